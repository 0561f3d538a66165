package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	cases := []struct {
		in        string
		want      Descriptor
		canonical string
	}{
		{"ohlc:USDM_ADA|5m", Descriptor{Kind: KindOHLC, Symbol: "USDM_ADA", Resolution: "5m"}, "ohlc:USDM_ADA|5m"},
		{"ohlc:USDM/ADA|1h", Descriptor{Kind: KindOHLC, Symbol: "USDM_ADA", Resolution: "1h"}, "ohlc:USDM_ADA|1h"},
		{"  token_info:USDM \n", Descriptor{Kind: KindTokenInfo, Symbol: "USDM"}, "token_info:USDM"},
		{"notices", Notices(DefaultNoticeQuery()), "notices"},
		{"notices:", Notices(DefaultNoticeQuery()), "notices"},
		{"notices:|||", Notices(DefaultNoticeQuery()), "notices"},
		{"notices:||desc|100", Notices(DefaultNoticeQuery()), "notices"},
		{"notices:signal", Notices(NoticeQuery{Type: "signal", Order: "desc", Limit: 100}), "notices:signal"},
		{"notices:|42", Notices(NoticeQuery{AfterID: "42", Order: "desc", Limit: 100}), "notices:|42"},
		{"notices:||asc", Notices(NoticeQuery{Order: "asc", Limit: 100}), "notices:||asc"},
		{"notices:|||10", Notices(NoticeQuery{Order: "desc", Limit: 10}), "notices:|||10"},
		{"notices:signal|42|asc|10", Notices(NoticeQuery{Type: "signal", AfterID: "42", Order: "asc", Limit: 10}), "notices:signal|42|asc|10"},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.canonical, got.String())
			assert.Equal(t, got.String(), got.Key())

			// parse(serialize(parse(s))) == parse(s)
			again, err := Parse(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestParse_NoticesDefaults(t *testing.T) {
	d, err := Parse("notices")
	require.NoError(t, err)
	assert.Equal(t, KindNotices, d.Kind)
	assert.Equal(t, "", d.Notices.Type)
	assert.Equal(t, "", d.Notices.AfterID)
	assert.Equal(t, "desc", d.Notices.Order)
	assert.Equal(t, 100, d.Notices.Limit)
	assert.Equal(t, int64(0), d.Notices.AfterIDInt())

	d, err = Parse("notices:signal|42|asc|10")
	require.NoError(t, err)
	assert.Equal(t, NoticeQuery{Type: "signal", AfterID: "42", Order: "asc", Limit: 10}, d.Notices)
	assert.Equal(t, int64(42), d.Notices.AfterIDInt())
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"ohlc",
		"ohlc:",
		"ohlc:USDM_ADA",
		"ohlc:USDM_ADA|",
		"ohlc:|5m",
		"ohlc:USDM_ADA|5m|x",
		"token_info",
		"token_info:",
		"token_info:USDM|ADA",
		"notices:a|b|c|d|e",
		"notices:|abc",
		"notices:|-1",
		"notices:||up",
		"notices:|||ten",
		"notices:|||0",
		"notices:|||101",
		"vault_deposit",
		"vault_deposit:abc",
		"prices:ADA",
		"OHLC:USDM_ADA|5m",
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidChannel))
		})
	}
}

func TestDescriptor_Comparable(t *testing.T) {
	a := MustParse("ohlc:USDM/ADA|5m")
	b := MustParse("ohlc:USDM_ADA|5m")
	assert.Equal(t, a, b)

	m := map[Descriptor]int{a: 1}
	m[b]++
	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[a])

	assert.NotEqual(t, MustParse("notices"), MustParse("notices:|||10"))
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, MustParse("ohlc:USDM_ADA|5m"), OHLC("USDM/ADA", "5m"))
	assert.Equal(t, MustParse("token_info:USDM"), TokenInfo("USDM"))
	assert.Equal(t, "ohlc", OHLC("A", "5m").Type())
}

func TestKind_Subscribable(t *testing.T) {
	assert.True(t, KindOHLC.Subscribable())
	assert.True(t, KindTokenInfo.Subscribable())
	assert.True(t, KindNotices.Subscribable())
	assert.False(t, KindVaultDeposit.Subscribable())
	assert.False(t, Kind("x").Subscribable())
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
}
