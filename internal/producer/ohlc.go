package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"markethub.com/internal/channel"
	"markethub.com/pkg/logger"
)

// Resolutions 支持的 K 线周期
var Resolutions = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

const priceDecimals = 6

// ohlcFamily 最新 bar 的缓存按一分钟对齐：周期刚切换时源里可能还没有新 bar，
// 旧 bar 不能一直缓存到下一个周期边界
const ohlcFamily = "ohlc"

type Bar struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"` // 开盘时间，秒
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// BarSource 查询某交易对某周期最新一根 K 线
type BarSource interface {
	LatestBar(ctx context.Context, symbol, resolution string) (Bar, bool, error)
}

// OHLCData ohlc 频道推送的 data
type OHLCData struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Decimals  int     `json:"decimals"`
}

func round6(v float64) float64 {
	return decimal.NewFromFloat(v).Round(priceDecimals).InexactFloat64()
}

func newOHLCData(b Bar) OHLCData {
	return OHLCData{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		Open:      round6(b.Open),
		High:      round6(b.High),
		Low:       round6(b.Low),
		Close:     round6(b.Close),
		Volume:    round6(b.Volume),
		Decimals:  priceDecimals,
	}
}

// PairSymbol 频道里的 ADA_USDM -> 存储里的 ADA/USDM
func PairSymbol(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", "/"))
}

// OHLCProducer 对每个有人订阅的 ohlc 频道取最新 K 线，只推新出现的 bar
type OHLCProducer struct {
	pub   Publisher
	cache Cache
	src   BarSource

	last map[channel.Descriptor]int64
}

func NewOHLCProducer(pub Publisher, c Cache, src BarSource) *OHLCProducer {
	return &OHLCProducer{pub: pub, cache: c, src: src, last: make(map[channel.Descriptor]int64)}
}

func (p *OHLCProducer) Name() string { return "ohlc" }

func (p *OHLCProducer) Refresh(ctx context.Context) error {
	active := p.pub.Active(channel.KindOHLC)
	seen := make(map[channel.Descriptor]struct{}, len(active))
	var errs []error

	for _, d := range active {
		seen[d] = struct{}{}
		if _, ok := Resolutions[d.Resolution]; !ok {
			logger.Debug(ctx, "ohlc: unsupported resolution", zap.String("channel", d.String()))
			continue
		}

		bar, ok, err := p.latest(ctx, PairSymbol(d.Symbol), d.Resolution)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.String(), err))
			continue
		}
		if !ok {
			continue
		}
		if last, seenBefore := p.last[d]; seenBefore && bar.Timestamp <= last {
			continue
		}
		p.last[d] = bar.Timestamp
		p.pub.Publish(d, newOHLCData(bar))
		publishedTotal.WithLabelValues(p.Name()).Inc()
	}

	// 没人订阅的频道不再记水位，重新订阅时从最新一根开始推
	for d := range p.last {
		if _, ok := seen[d]; !ok {
			delete(p.last, d)
		}
	}
	return errors.Join(errs...)
}

// latest 先读缓存（按分钟边界过期），miss 再查源并回填
func (p *OHLCProducer) latest(ctx context.Context, symbol, res string) (Bar, bool, error) {
	key := ohlcFamily + ":" + res + ":" + symbol
	var b Bar
	if p.cache != nil && p.cache.GetJSON(ctx, key, &b) {
		return b, true, nil
	}
	b, ok, err := p.src.LatestBar(ctx, symbol, res)
	if err != nil || !ok {
		return b, ok, err
	}
	if p.cache != nil {
		if err := p.cache.SetJSON(ctx, ohlcFamily, key, b); err != nil {
			logger.Warn(ctx, "ohlc: cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return b, true, nil
}
