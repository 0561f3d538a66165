// Package channel 定义 ws 频道标识的语法：解析成可比较的 Descriptor，并能序列化回最短的规范形式。
//
//	ohlc:<symbol>|<resolution>
//	token_info:<symbol>
//	notices[:<type>|<after_id>|<order>|<limit>]
package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindOHLC         Kind = "ohlc"
	KindTokenInfo    Kind = "token_info"
	KindNotices      Kind = "notices"
	KindVaultDeposit Kind = "vault_deposit" // 一次性动作，不能订阅
)

// Subscribable 只有行情类频道可以订阅
func (k Kind) Subscribable() bool {
	switch k {
	case KindOHLC, KindTokenInfo, KindNotices:
		return true
	}
	return false
}

const (
	OrderAsc  = "asc"
	OrderDesc = "desc"

	DefaultOrder = OrderDesc
	DefaultLimit = 100
	MaxLimit     = 100

	maxNoticeSlots = 4
)

var ErrInvalidChannel = errors.New("invalid channel")

// NoticeQuery 是 notices 频道的过滤参数。AfterID 保留原始字符串（已校验为数字）。
type NoticeQuery struct {
	Type    string
	AfterID string
	Order   string
	Limit   int
}

// DefaultNoticeQuery type="" after_id="" order=desc limit=100
func DefaultNoticeQuery() NoticeQuery {
	return NoticeQuery{Order: DefaultOrder, Limit: DefaultLimit}
}

// AfterIDInt after_id 为空时返回 0
func (q NoticeQuery) AfterIDInt() int64 {
	if q.AfterID == "" {
		return 0
	}
	n, _ := strconv.ParseInt(q.AfterID, 10, 64)
	return n
}

// Descriptor 是不可变的值对象，可以直接作为 map key。
// 只有与 Kind 对应的字段有意义，其余保持零值。
type Descriptor struct {
	Kind       Kind
	Symbol     string
	Resolution string
	Notices    NoticeQuery
}

func OHLC(symbol, resolution string) Descriptor {
	return Descriptor{Kind: KindOHLC, Symbol: strings.ReplaceAll(symbol, "/", "_"), Resolution: resolution}
}

func TokenInfo(symbol string) Descriptor {
	return Descriptor{Kind: KindTokenInfo, Symbol: symbol}
}

func Notices(q NoticeQuery) Descriptor {
	return Descriptor{Kind: KindNotices, Notices: q}
}

// Type 是下发帧里的 "type" 字段
func (d Descriptor) Type() string { return string(d.Kind) }

// Key 用于分片和日志，等价于 String
func (d Descriptor) Key() string { return d.String() }

// String 输出最短规范形式：notices 全默认时只有 "notices"，否则去掉末尾的默认槽位。
func (d Descriptor) String() string {
	switch d.Kind {
	case KindOHLC:
		return string(d.Kind) + ":" + d.Symbol + "|" + d.Resolution
	case KindTokenInfo:
		return string(d.Kind) + ":" + d.Symbol
	case KindNotices:
		slots := [maxNoticeSlots]string{d.Notices.Type, d.Notices.AfterID, "", ""}
		if d.Notices.Order != DefaultOrder {
			slots[2] = d.Notices.Order
		}
		if d.Notices.Limit != DefaultLimit {
			slots[3] = strconv.Itoa(d.Notices.Limit)
		}
		n := len(slots)
		for n > 0 && slots[n-1] == "" {
			n--
		}
		if n == 0 {
			return string(d.Kind)
		}
		return string(d.Kind) + ":" + strings.Join(slots[:n], "|")
	default:
		return string(d.Kind)
	}
}

// Parse 解析频道字符串；失败时返回的错误都 wrap 了 ErrInvalidChannel。
func Parse(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	kind, params, hasParams := strings.Cut(s, ":")

	switch Kind(kind) {
	case KindOHLC:
		if !hasParams {
			return Descriptor{}, invalid("ohlc: missing parameters")
		}
		// 交易对里的 "/" 统一成 "_"，USDM/ADA 和 USDM_ADA 是同一个频道
		parts := strings.Split(strings.ReplaceAll(params, "/", "_"), "|")
		if len(parts) != 2 {
			return Descriptor{}, invalid("ohlc: expected <symbol>|<resolution>, got %d parameters", len(parts))
		}
		if parts[0] == "" || parts[1] == "" {
			return Descriptor{}, invalid("ohlc: symbol and resolution are required")
		}
		return Descriptor{Kind: KindOHLC, Symbol: parts[0], Resolution: parts[1]}, nil

	case KindTokenInfo:
		if params == "" {
			return Descriptor{}, invalid("token_info: missing symbol")
		}
		if strings.Contains(params, "|") {
			return Descriptor{}, invalid("token_info: expected exactly one parameter")
		}
		return Descriptor{Kind: KindTokenInfo, Symbol: params}, nil

	case KindNotices:
		q, err := parseNoticeQuery(params)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Kind: KindNotices, Notices: q}, nil

	case KindVaultDeposit:
		return Descriptor{}, invalid("vault_deposit is an action, not a channel")

	default:
		return Descriptor{}, invalid("unknown kind %q", kind)
	}
}

// MustParse 测试和常量初始化用
func MustParse(s string) Descriptor {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// 位置参数：后面的槽位出现时，前面的槽位必须在字符串里（可以为空）。空槽位取默认值。
func parseNoticeQuery(params string) (NoticeQuery, error) {
	q := DefaultNoticeQuery()
	if params == "" {
		return q, nil
	}
	slots := strings.Split(params, "|")
	if len(slots) > maxNoticeSlots {
		return q, invalid("notices: at most %d parameters, got %d", maxNoticeSlots, len(slots))
	}

	q.Type = slots[0]

	if len(slots) > 1 && slots[1] != "" {
		if _, err := strconv.ParseUint(slots[1], 10, 63); err != nil {
			return q, invalid("notices: after_id %q is not numeric", slots[1])
		}
		q.AfterID = slots[1]
	}

	if len(slots) > 2 && slots[2] != "" {
		if slots[2] != OrderAsc && slots[2] != OrderDesc {
			return q, invalid("notices: order must be asc or desc, got %q", slots[2])
		}
		q.Order = slots[2]
	}

	if len(slots) > 3 && slots[3] != "" {
		n, err := strconv.Atoi(slots[3])
		if err != nil {
			return q, invalid("notices: limit %q is not numeric", slots[3])
		}
		if n < 1 || n > MaxLimit {
			return q, invalid("notices: limit must be within 1..%d, got %d", MaxLimit, n)
		}
		q.Limit = n
	}
	return q, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidChannel, fmt.Sprintf(format, args...))
}
