package producer

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// InfluxBars 从 kline measurement 读 K 线（字段 o/h/l/c/v，tag symbol/interval）
type InfluxBars struct {
	client influxdb2.Client
	query  api.QueryAPI
	bucket string
}

func NewInfluxBars(c InfluxConfig) *InfluxBars {
	client := influxdb2.NewClient(c.URL, c.Token)
	return &InfluxBars{client: client, query: client.QueryAPI(c.Org), bucket: c.Bucket}
}

func (s *InfluxBars) Close() { s.client.Close() }

func (s *InfluxBars) LatestBar(ctx context.Context, symbol, resolution string) (Bar, bool, error) {
	iv, ok := Resolutions[resolution]
	if !ok {
		return Bar{}, false, fmt.Errorf("unsupported resolution %q", resolution)
	}

	res, err := s.query.Query(ctx, latestBarFlux(s.bucket, symbol, resolution, int64(3*iv.Seconds())))
	if err != nil {
		return Bar{}, false, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	if !res.Next() {
		if res.Err() != nil {
			return Bar{}, false, fmt.Errorf("influx read: %w", res.Err())
		}
		return Bar{}, false, nil
	}
	rec := res.Record()
	return Bar{
		Symbol:    symbol,
		Timestamp: rec.Time().Unix(),
		Open:      toFloat(rec.ValueByKey("o")),
		High:      toFloat(rec.ValueByKey("h")),
		Low:       toFloat(rec.ValueByKey("l")),
		Close:     toFloat(rec.ValueByKey("c")),
		Volume:    toFloat(rec.ValueByKey("v")),
	}, true, nil
}

func latestBarFlux(bucket, symbol, resolution string, lookbackSec int64) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == "kline" and r.symbol == %q and r.interval == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: 1)`, bucket, lookbackSec, symbol, resolution)
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	default:
		return 0
	}
}
