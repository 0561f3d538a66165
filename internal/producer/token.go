package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"markethub.com/internal/channel"
	"markethub.com/pkg/logger"
)

// ErrTokenNotFound 源里没有这个 symbol
var ErrTokenNotFound = errors.New("token not found")

// TokenInfo token_info 频道推送的 data，价格都折算成 USD
type TokenInfo struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	LogoURL   string  `json:"logo_url"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
	Low24h    float64 `json:"low_24h"`
	High24h   float64 `json:"high_24h"`
	Volume24h float64 `json:"volume_24h"`
	MarketCap float64 `json:"market_cap"`
	Decimals  int     `json:"decimals"`
}

type TokenSource interface {
	TokenInfo(ctx context.Context, symbol string) (TokenInfo, error)
}

const tokenFamily = "token_info"

type TokenInfoProducer struct {
	pub   Publisher
	cache Cache
	src   TokenSource
}

func NewTokenInfoProducer(pub Publisher, c Cache, src TokenSource) *TokenInfoProducer {
	return &TokenInfoProducer{pub: pub, cache: c, src: src}
}

func (p *TokenInfoProducer) Name() string { return "token_info" }

// Refresh 每轮都推（价格每分钟都在变），不存在的 token 跳过
func (p *TokenInfoProducer) Refresh(ctx context.Context) error {
	var errs []error
	for _, d := range p.pub.Active(channel.KindTokenInfo) {
		info, err := p.load(ctx, strings.ToUpper(strings.TrimSpace(d.Symbol)))
		if errors.Is(err, ErrTokenNotFound) {
			logger.Debug(ctx, "token_info: unknown symbol", zap.String("channel", d.String()))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.String(), err))
			continue
		}
		p.pub.Publish(d, info)
		publishedTotal.WithLabelValues(p.Name()).Inc()
	}
	return errors.Join(errs...)
}

func (p *TokenInfoProducer) load(ctx context.Context, symbol string) (TokenInfo, error) {
	key := tokenFamily + ":" + symbol
	var info TokenInfo
	if p.cache != nil && p.cache.GetJSON(ctx, key, &info) {
		return info, nil
	}
	info, err := p.src.TokenInfo(ctx, symbol)
	if err != nil {
		return TokenInfo{}, err
	}
	info.Symbol = symbol
	info.Decimals = priceDecimals
	info.Price = round6(info.Price)
	info.Change24h = round6(info.Change24h)
	info.Low24h = round6(info.Low24h)
	info.High24h = round6(info.High24h)
	info.Volume24h = round6(info.Volume24h)
	info.MarketCap = round6(info.MarketCap)
	if p.cache != nil {
		if err := p.cache.SetJSON(ctx, tokenFamily, key, info); err != nil {
			logger.Warn(ctx, "token_info: cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return info, nil
}
