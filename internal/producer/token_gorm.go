package producer

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Token 对应 tokens 表
type Token struct {
	ID          string  `gorm:"column:id;primaryKey;size:255"`
	Name        string  `gorm:"column:name;size:255"`
	Symbol      string  `gorm:"column:symbol;size:255;index"`
	PolicyID    string  `gorm:"column:policy_id;size:255"`
	AssetName   string  `gorm:"column:asset_name;size:255"`
	LogoURL     string  `gorm:"column:logo_url;size:255"`
	Decimals    int     `gorm:"column:decimals"`
	TotalSupply float64 `gorm:"column:total_supply"`
}

func (Token) TableName() string { return "tokens" }

// CoinPrice coin_prices_5m / coin_prices_1h 共用的行结构，symbol 形如 HOSKY/ADA
type CoinPrice struct {
	Symbol   string  `gorm:"column:symbol"`
	OpenTime int64   `gorm:"column:open_time"`
	Open     float64 `gorm:"column:open"`
	High     float64 `gorm:"column:high"`
	Low      float64 `gorm:"column:low"`
	Close    float64 `gorm:"column:close"`
	Volume   float64 `gorm:"column:volume"`
}

const (
	prices5mTable = "coin_prices_5m"
	prices1hTable = "coin_prices_1h"
	// USDM/ADA 的收盘价即 1 ADA 值多少 USD 的倒数
	usdPair = "USDM/ADA"
)

// GormTokens token 静态信息 + ADA 计价的 K 线，统一折算成 USD
type GormTokens struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormTokens(db *gorm.DB) *GormTokens {
	return &GormTokens{db: db, now: time.Now}
}

type stats24h struct {
	Low    float64
	High   float64
	Volume float64
}

func (s *GormTokens) TokenInfo(ctx context.Context, symbol string) (TokenInfo, error) {
	db := s.db.WithContext(ctx)

	var tok Token
	err := db.Where("symbol = ?", symbol).Take(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenInfo{}, ErrTokenNotFound
	}
	if err != nil {
		return TokenInfo{}, err
	}

	since := s.now().Add(-24 * time.Hour).Unix()

	adaPrice, err := s.lastClose(db, usdPair, 0)
	if err != nil {
		return TokenInfo{}, err
	}

	pair := symbol + "/ADA"
	price, err := s.lastClose(db, pair, 0)
	if err != nil {
		return TokenInfo{}, err
	}
	// 24h 前最后一根 5m 的收盘价
	price24h, err := s.lastClose(db, pair, since)
	if err != nil {
		return TokenInfo{}, err
	}

	var st stats24h
	err = db.Table(prices1hTable).
		Select("COALESCE(MIN(low),0) AS low, COALESCE(MAX(high),0) AS high, COALESCE(SUM(volume),0) AS volume").
		Where("symbol = ? AND open_time > ?", pair, since).
		Scan(&st).Error
	if err != nil {
		return TokenInfo{}, err
	}

	return buildTokenInfo(tok, adaPrice, price, price24h, st), nil
}

// lastClose before>0 时取 open_time <= before 的最后一根，没有数据返回 0
func (s *GormTokens) lastClose(db *gorm.DB, pair string, before int64) (decimal.Decimal, error) {
	q := db.Table(prices5mTable).Where("symbol = ?", pair)
	if before > 0 {
		q = q.Where("open_time <= ?", before)
	}
	var rows []CoinPrice
	if err := q.Order("open_time desc").Limit(1).Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(rows[0].Close), nil
}

func buildTokenInfo(tok Token, adaPrice, price, price24h decimal.Decimal, st stats24h) TokenInfo {
	info := TokenInfo{Name: tok.Name, LogoURL: tok.LogoURL}
	if adaPrice.IsZero() {
		return info
	}
	toUSD := func(v decimal.Decimal) float64 { return v.Div(adaPrice).InexactFloat64() }

	info.Price = toUSD(price)
	if !price.IsZero() && !price24h.IsZero() {
		info.Change24h = price.Sub(price24h).Div(price).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	info.Low24h = toUSD(decimal.NewFromFloat(st.Low))
	info.High24h = toUSD(decimal.NewFromFloat(st.High))
	info.Volume24h = toUSD(decimal.NewFromFloat(st.Volume))
	info.MarketCap = toUSD(price.Mul(decimal.NewFromFloat(tok.TotalSupply)))
	return info
}
