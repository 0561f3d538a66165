package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"markethub.com/pkg/xerr"
)

const TxIDLen = 64

// Request 是客户端通过 ws 发起的一次性充值确认请求，User 是钱包地址。
type Request struct {
	TxID    string
	User    string
	VaultID string
}

// Validate 返回 xerr.CodeError，Msg 直接作为下发给客户端的 reason
func (r Request) Validate() error {
	if len(r.TxID) != TxIDLen {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("tx_id must be %d characters", TxIDLen))
	}
	if r.User == "" {
		return xerr.New(xerr.RequestParamsError, "user is required")
	}
	if r.VaultID == "" {
		return xerr.New(xerr.RequestParamsError, "vault_id is required")
	}
	return nil
}

type key struct {
	txID    string
	vaultID string
}

func (r Request) key() key { return key{txID: r.TxID, vaultID: r.VaultID} }

type Message string

const (
	MsgAccepted         Message = "accepted"
	MsgAlreadyQueued    Message = "already_queued"
	MsgAlreadyPending   Message = "already_pending"
	MsgAlreadyCompleted Message = "already_completed"
	MsgOK               Message = "oke"
	MsgFailed           Message = "failed"
	MsgError            Message = "error"
	MsgInvalid          Message = "invalid"
)

// Outcome 异步结果，一个请求可能依次收到 accepted -> oke/failed
type Outcome struct {
	Message       Message
	Reason        string
	DepositAmount float64 // ADA，只有 oke 时有值
}

type Notify func(Outcome)

var (
	// ErrRetryable 交易还没上链/还没被索引到，稍后重试
	ErrRetryable = errors.New("vault: retryable")
	// ErrDeploymentNotFound vault 不存在或缺少 address/pool_id
	ErrDeploymentNotFound = errors.New("vault: deployment info missing")
)

// ChainInfo 是链上校验通过后的充值信息
type ChainInfo struct {
	Amount      decimal.Decimal // ADA
	TokenID     string
	Timestamp   int64
	Fee         decimal.Decimal // ADA
	PoolName    string
	Contributor string // datum 里还原出来的地址
}

type Deployment struct {
	ScriptAddress string
	PolicyID      string
	PoolName      string
}

type LedgerStatus int

const (
	LedgerInserted LedgerStatus = iota
	LedgerPending
	LedgerCompleted
)

func (s LedgerStatus) String() string {
	switch s {
	case LedgerInserted:
		return "inserted"
	case LedgerPending:
		return "already_pending"
	case LedgerCompleted:
		return "completed"
	}
	return "unknown"
}

// Ledger 持久化 vault_log 状态：pending -> completed / failed
type Ledger interface {
	EnsurePending(ctx context.Context, req Request) (LedgerStatus, error)
	Deployment(ctx context.Context, vaultID string) (Deployment, error)
	MarkCompleted(ctx context.Context, req Request, info ChainInfo) error
	MarkFailed(ctx context.Context, req Request, reason string) error
}

// Verifier 到链上索引服务核对交易
type Verifier interface {
	Verify(ctx context.Context, req Request, dep Deployment) (ChainInfo, error)
}
