package hub

import (
	"errors"
	"strings"

	"github.com/segmentio/encoding/json"
)

const (
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
	ActionVaultDeposit = "vault_deposit"
)

// ClientMsg 客户端上行消息
type ClientMsg struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	TxID    string `json:"tx_id,omitempty"`
	User    string `json:"user,omitempty"`
	VaultID string `json:"vault_id,omitempty"`
}

type Status string

const (
	StatusSubscribed        Status = "subscribed"
	StatusAlreadySubscribed Status = "already_subscribed"
	StatusUnsubscribed      Status = "unsubscribed"
)

// 下行帧按形状区分：status / error / channel update / vault result

type StatusFrame struct {
	Status  Status `json:"status"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
}

type ErrorFrame struct {
	Error   string `json:"error"`
	Channel string `json:"channel,omitempty"`
}

type UpdateFrame struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Data    any    `json:"data"`
}

type VaultFrame struct {
	Message       string  `json:"message"`
	Reason        string  `json:"reason,omitempty"`
	DepositAmount float64 `json:"depositAmount,omitempty"`
}

const (
	errInvalidJSON    = "invalid json format"
	errMissingFields  = "missing required fields: action and channel"
	errInvalidChannel = "invalid channel format"
	errMaxSubs        = "maximum number of subscriptions reached"
	errUnknownAction  = "unknown action"
	errRateLimited    = "rate limited"
)

var (
	errBadJSON       = errors.New(errInvalidJSON)
	errMissingAction = errors.New(errMissingFields)
)

// decodeClientMsg 在边界上完成校验：能返回 nil error 的消息，subscribe/unsubscribe 一定带 channel
func decodeClientMsg(b []byte) (ClientMsg, error) {
	var m ClientMsg
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errBadJSON
	}
	m.Action = strings.TrimSpace(m.Action)
	m.Channel = strings.TrimSpace(m.Channel)
	if m.Action == "" {
		return m, errMissingAction
	}
	if (m.Action == ActionSubscribe || m.Action == ActionUnsubscribe) && m.Channel == "" {
		return m, errMissingAction
	}
	return m, nil
}
