package producer

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"markethub.com/internal/cache"
	"markethub.com/internal/channel"
)

type fakeTokens struct {
	infos map[string]TokenInfo
	err   error
	calls int
}

func (f *fakeTokens) TokenInfo(_ context.Context, symbol string) (TokenInfo, error) {
	f.calls++
	if f.err != nil {
		return TokenInfo{}, f.err
	}
	info, ok := f.infos[symbol]
	if !ok {
		return TokenInfo{}, ErrTokenNotFound
	}
	return info, nil
}

func TestTokenInfo_PublishesEveryRound(t *testing.T) {
	d := channel.TokenInfo("usdm")
	pub := newFakePublisher(d)
	src := &fakeTokens{infos: map[string]TokenInfo{
		"USDM": {Name: "USDM", LogoURL: "https://x/usdm.png", Price: 0.99999949, Change24h: -0.1},
	}}
	p := NewTokenInfoProducer(pub, nil, src)

	require.NoError(t, p.Refresh(context.Background()))
	require.NoError(t, p.Refresh(context.Background()))
	require.Len(t, pub.sent(), 2)

	info := pub.sent()[0].payload.(TokenInfo)
	assert.Equal(t, "USDM", info.Symbol)
	assert.Equal(t, 0.999999, info.Price)
	assert.Equal(t, 6, info.Decimals)
	assert.Equal(t, d, pub.sent()[0].desc)
}

func TestTokenInfo_UnknownSymbolSkipped(t *testing.T) {
	pub := newFakePublisher(channel.TokenInfo("NOPE"))
	p := NewTokenInfoProducer(pub, nil, &fakeTokens{})

	require.NoError(t, p.Refresh(context.Background()))
	assert.Empty(t, pub.sent())
}

func TestTokenInfo_SourceErrorIsReturned(t *testing.T) {
	pub := newFakePublisher(channel.TokenInfo("ADA"))
	p := NewTokenInfoProducer(pub, nil, &fakeTokens{err: errors.New("db down")})

	assert.Error(t, p.Refresh(context.Background()))
	assert.Empty(t, pub.sent())
}

func TestTokenInfo_CachedForOneMinuteFamily(t *testing.T) {
	pub := newFakePublisher(channel.TokenInfo("ADA"))
	src := &fakeTokens{infos: map[string]TokenInfo{"ADA": {Name: "Cardano", Price: 0.7}}}
	p := NewTokenInfoProducer(pub, cache.New(nil, cache.Config{}), src)

	require.NoError(t, p.Refresh(context.Background()))
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 1, src.calls)
	assert.Len(t, pub.sent(), 2)
}

func TestBuildTokenInfo_ConvertsToUSD(t *testing.T) {
	tok := Token{Name: "HOSKY Token", LogoURL: "logo", TotalSupply: 1000}
	// 1 USDM = 2 ADA
	info := buildTokenInfo(tok,
		decimal.NewFromInt(2),
		decimal.NewFromFloat(4),
		decimal.NewFromFloat(2),
		stats24h{Low: 1, High: 5, Volume: 10},
	)
	assert.Equal(t, 2.0, info.Price)
	assert.Equal(t, 50.0, info.Change24h)
	assert.Equal(t, 0.5, info.Low24h)
	assert.Equal(t, 2.5, info.High24h)
	assert.Equal(t, 5.0, info.Volume24h)
	assert.Equal(t, 2000.0, info.MarketCap)

	// 没有 ADA 价格时只返回静态信息
	info = buildTokenInfo(tok, decimal.Zero, decimal.NewFromInt(4), decimal.Zero, stats24h{})
	assert.Equal(t, "HOSKY Token", info.Name)
	assert.Zero(t, info.Price)
}
