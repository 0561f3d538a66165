package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"markethub.com/internal/channel"
)

func TestDispatcher_NoSubscribersIsNoop(t *testing.T) {
	reg := NewRegistry(4)
	disp := NewDispatcher(reg)
	d := channel.MustParse("ohlc:USDM_ADA|5m")

	assert.False(t, disp.HasSubscribers(d))
	disp.Publish(d, map[string]any{"close": 1.0})

	// 没人订阅时不记录快照
	s := newTestSession(t, reg, nil, sessionConfig{})
	reg.Subscribe(s, d)
	assert.Empty(t, frames(t, s))
}

func TestDispatcher_PublishFanout(t *testing.T) {
	reg := NewRegistry(4)
	disp := NewDispatcher(reg)
	d := channel.MustParse("token_info:USDM")
	other := channel.MustParse("token_info:ADA")

	a := newTestSession(t, reg, nil, sessionConfig{})
	b := newTestSession(t, reg, nil, sessionConfig{})
	c := newTestSession(t, reg, nil, sessionConfig{})
	reg.Subscribe(a, d)
	reg.Subscribe(b, d)
	reg.Subscribe(c, other)

	disp.Publish(d, map[string]any{"price": 1.5})

	for _, s := range []*Session{a, b} {
		got := frames(t, s)
		require.Len(t, got, 1)
		assert.Equal(t, "token_info:USDM", got[0]["channel"])
		assert.Equal(t, "token_info", got[0]["type"])
		assert.Equal(t, map[string]any{"price": 1.5}, got[0]["data"])
	}
	assert.Empty(t, frames(t, c))
	assert.ElementsMatch(t, []channel.Descriptor{d, other}, disp.Active(channel.KindTokenInfo))
}

func TestDispatcher_ClosedSessionNotDelivered(t *testing.T) {
	reg := NewRegistry(4)
	disp := NewDispatcher(reg)
	d := channel.MustParse("notices")

	a := newTestSession(t, reg, nil, sessionConfig{})
	b := newTestSession(t, reg, nil, sessionConfig{})
	reg.Subscribe(a, d)
	reg.Subscribe(b, d)

	a.Close(CloseReasonClient)
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, []*Session{b}, reg.SubscribersOf(d))

	disp.Publish(d, []int{1})
	assert.Empty(t, frames(t, a))
	assert.Len(t, frames(t, b), 1)
}

func TestDispatcher_SnapshotReplay(t *testing.T) {
	reg := NewRegistry(4)
	disp := NewDispatcher(reg)
	d := channel.MustParse("ohlc:USDM_ADA|5m")

	first := newTestSession(t, reg, nil, sessionConfig{})
	reg.Subscribe(first, d)
	disp.Publish(d, map[string]any{"close": 1.0})
	disp.Publish(d, map[string]any{"close": 2.0})

	late := newTestSession(t, reg, nil, sessionConfig{})
	sendJSON(t, late, ClientMsg{Action: ActionSubscribe, Channel: "ohlc:USDM/ADA|5m"})

	got := frames(t, late)
	require.Len(t, got, 2)
	assert.Equal(t, "subscribed", got[0]["status"], "ack comes before the snapshot")
	assert.Equal(t, map[string]any{"close": 2.0}, got[1]["data"])

	// 最后一个订阅者离开后快照清掉
	reg.Unsubscribe(first, d)
	reg.Unsubscribe(late, d)
	again := newTestSession(t, reg, nil, sessionConfig{})
	reg.Subscribe(again, d)
	assert.Empty(t, frames(t, again))
}
