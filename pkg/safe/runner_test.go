package safe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCtx_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	GoCtx(context.Background(), "boom", func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestRun_PanicBecomesError(t *testing.T) {
	err := Run(context.Background(), "refresher", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresher")
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRun_PassThroughError(t *testing.T) {
	err := Run(context.Background(), "ok", func(ctx context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
}
