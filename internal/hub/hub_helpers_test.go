package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"markethub.com/internal/vault"
)

func newTestSession(t *testing.T, reg *Registry, vs VaultSubmitter, cfg sessionConfig) *Session {
	t.Helper()
	s := newSession(context.Background(), uuid.NewString(), reg, vs, cfg)
	require.True(t, s.open())
	t.Cleanup(func() { s.Close("test_done") })
	return s
}

// frames 取出 outbox 里所有帧并解码成通用 map
func frames(t *testing.T, s *Session) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, b := range s.out.drain(1 << 10) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, m)
	}
	return out
}

func sendJSON(t *testing.T, s *Session, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	s.handle(b)
}

type fakeVault struct {
	mu    sync.Mutex
	reqs  []vault.Request
	notes []vault.Notify
}

func (f *fakeVault) SubmitDeposit(ctx context.Context, req vault.Request, notify vault.Notify) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.notes = append(f.notes, notify)
}

func (f *fakeVault) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeVault) notify(i int, o vault.Outcome) {
	f.mu.Lock()
	n := f.notes[i]
	f.mu.Unlock()
	n(o)
}
