package vault

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"markethub.com/pkg/xerr"
)

const (
	LogStatusPending   = "pending"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"

	ActionDeposit = "deposit"
)

type VaultLog struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement"`
	VaultID       string          `gorm:"column:vault_id;size:64;not null;uniqueIndex:uk_txn_vault,priority:2"`
	WalletAddress string          `gorm:"column:wallet_address;size:255;not null"`
	Action        string          `gorm:"column:action;size:32;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(38,6);not null"`
	TokenID       string          `gorm:"column:token_id;size:255;not null"`
	Txn           string          `gorm:"column:txn;size:64;not null;uniqueIndex:uk_txn_vault,priority:1"`
	Timestamp     int64           `gorm:"column:timestamp;not null"`
	Status        string          `gorm:"column:status;size:32;not null;index"`
	Fee           decimal.Decimal `gorm:"column:fee;type:decimal(38,6);not null"`
	Extra         *string         `gorm:"column:extra;type:json"`
}

func (VaultLog) TableName() string { return "vault_log" }

// Vault 只映射确认充值需要的列
type Vault struct {
	ID      string `gorm:"column:id;primaryKey"`
	Address string `gorm:"column:address"`
	PoolID  string `gorm:"column:pool_id"` // "policy_id.pool_name"
}

func (Vault) TableName() string { return "vault" }

type UserEarning struct {
	ID                   int64           `gorm:"column:id;primaryKey;autoIncrement"`
	VaultID              string          `gorm:"column:vault_id;size:64;uniqueIndex:uk_vault_wallet,priority:1"`
	WalletAddress        string          `gorm:"column:wallet_address;size:255;uniqueIndex:uk_vault_wallet,priority:2"`
	TotalDeposit         decimal.Decimal `gorm:"column:total_deposit;type:decimal(38,6)"`
	TotalWithdrawal      decimal.Decimal `gorm:"column:total_withdrawal;type:decimal(38,6)"`
	CurrentValue         decimal.Decimal `gorm:"column:current_value;type:decimal(38,6)"`
	LastUpdatedTimestamp int64           `gorm:"column:last_updated_timestamp"`
}

func (UserEarning) TableName() string { return "user_earning" }

// GormLedger 基于 MySQL 的 vault_log 状态机
type GormLedger struct {
	db *gorm.DB
	// pending 超过这个时间没有完成，视为上一个进程遗留，允许重新入队
	staleAfter time.Duration
	now        func() time.Time
}

func NewGormLedger(db *gorm.DB, staleAfter time.Duration) *GormLedger {
	if staleAfter <= 0 {
		staleAfter = 180 * time.Second
	}
	return &GormLedger{db: db, staleAfter: staleAfter, now: time.Now}
}

// AutoMigrate 开发环境建表用
func (l *GormLedger) AutoMigrate() error {
	return l.db.AutoMigrate(&VaultLog{}, &UserEarning{})
}

func (l *GormLedger) EnsurePending(ctx context.Context, req Request) (LedgerStatus, error) {
	st := LedgerInserted
	now := l.now().Unix()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row VaultLog
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("txn = ? AND vault_id = ?", req.TxID, req.VaultID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&VaultLog{
				VaultID:       req.VaultID,
				WalletAddress: req.User,
				Action:        ActionDeposit,
				Amount:        decimal.Zero,
				TokenID:       "", // 上链确认后再填
				Txn:           req.TxID,
				Timestamp:     now,
				Status:        LogStatusPending,
				Fee:           decimal.Zero,
			}).Error
		}
		if err != nil {
			return err
		}

		switch row.Status {
		case LogStatusCompleted:
			st = LedgerCompleted
			return nil
		case LogStatusPending:
			if now-row.Timestamp < int64(l.staleAfter/time.Second) {
				st = LedgerPending
				return nil
			}
		}

		// failed 或遗留的 pending：重置后重新入队
		return tx.Model(&VaultLog{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":         LogStatusPending,
			"amount":         decimal.Zero,
			"token_id":       "",
			"timestamp":      now,
			"fee":            decimal.Zero,
			"extra":          nil,
			"wallet_address": req.User,
		}).Error
	})
	if err != nil {
		return 0, xerr.Wrap(err, xerr.DbError, xerr.MapErrMsg(xerr.DbError))
	}
	return st, nil
}

func (l *GormLedger) Deployment(ctx context.Context, vaultID string) (Deployment, error) {
	id := strings.ToLower(strings.TrimSpace(vaultID))
	if id == "" {
		return Deployment{}, ErrDeploymentNotFound
	}

	var v Vault
	err := l.db.WithContext(ctx).Where("id = ?", id).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Deployment{}, ErrDeploymentNotFound
	}
	if err != nil {
		return Deployment{}, xerr.Wrap(err, xerr.DbError, xerr.MapErrMsg(xerr.DbError))
	}
	return deploymentOf(v)
}

func deploymentOf(v Vault) (Deployment, error) {
	addr := strings.TrimSpace(v.Address)
	policy, pool, ok := strings.Cut(strings.TrimSpace(v.PoolID), ".")
	if addr == "" || !ok || policy == "" || pool == "" {
		return Deployment{}, ErrDeploymentNotFound
	}
	return Deployment{
		ScriptAddress: addr,
		PolicyID:      strings.ToLower(policy),
		PoolName:      strings.ToLower(pool),
	}, nil
}

// MarkCompleted 更新 vault_log 并累加 user_earning，同一个事务
func (l *GormLedger) MarkCompleted(ctx context.Context, req Request, info ChainInfo) error {
	contributor := info.Contributor
	if contributor == "" {
		contributor = req.User
	}
	now := l.now().Unix()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&VaultLog{}).
			Where("txn = ? AND vault_id = ? AND status = ?", req.TxID, req.VaultID, LogStatusPending).
			Updates(map[string]any{
				"wallet_address": contributor,
				"amount":         info.Amount,
				"token_id":       info.TokenID,
				"timestamp":      info.Timestamp,
				"status":         LogStatusCompleted,
				"fee":            info.Fee,
				"extra":          nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 已经被别的 worker 完成，或者记录被删，不重复累加
			return nil
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "vault_id"}, {Name: "wallet_address"}},
			DoUpdates: clause.Assignments(map[string]any{
				"total_deposit":          gorm.Expr("total_deposit + ?", info.Amount),
				"current_value":          gorm.Expr("current_value + ?", info.Amount),
				"last_updated_timestamp": now,
			}),
		}).Create(&UserEarning{
			VaultID:              req.VaultID,
			WalletAddress:        contributor,
			TotalDeposit:         info.Amount,
			TotalWithdrawal:      decimal.Zero,
			CurrentValue:         info.Amount,
			LastUpdatedTimestamp: now,
		}).Error
	})
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, xerr.MapErrMsg(xerr.DbError))
	}
	return nil
}

func (l *GormLedger) MarkFailed(ctx context.Context, req Request, reason string) error {
	extra, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	s := string(extra)
	err = l.db.WithContext(ctx).Model(&VaultLog{}).
		Where("txn = ? AND vault_id = ?", req.TxID, req.VaultID).
		Updates(map[string]any{
			"status": LogStatusFailed,
			"extra":  &s,
		}).Error
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, xerr.MapErrMsg(xerr.DbError))
	}
	return nil
}
