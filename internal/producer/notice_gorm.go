package producer

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"
	"gorm.io/gorm"
	"markethub.com/internal/channel"
	"markethub.com/pkg/orm"
)

// NoticeRow 对应 notice 表
type NoticeRow struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Type      string    `gorm:"column:type;size:32;index;not null"`
	Icon      string    `gorm:"column:icon;type:text"`
	Title     string    `gorm:"column:title;type:text;not null"`
	Message   string    `gorm:"column:message;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
	MetaData  string    `gorm:"column:meta_data;type:json"`
}

func (NoticeRow) TableName() string { return "notice" }

type GormNotices struct {
	db *gorm.DB
}

func NewGormNotices(db *gorm.DB) *GormNotices {
	return &GormNotices{db: db}
}

func (s *GormNotices) Notices(ctx context.Context, q channel.NoticeQuery) ([]Notice, error) {
	db := s.db.WithContext(ctx).Model(&NoticeRow{})
	if q.Type != "" {
		db = db.Where("type = ?", q.Type)
	}
	limit := q.Limit
	if limit <= 0 || limit > channel.MaxLimit {
		limit = channel.DefaultLimit
	}
	db = orm.ApplyCursor(db, "id", q.AfterIDInt(), q.Order, limit)

	var rows []NoticeRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]Notice, 0, len(rows))
	for _, r := range rows {
		n := Notice{
			ID:        r.ID,
			Type:      r.Type,
			Icon:      r.Icon,
			Title:     r.Title,
			Message:   r.Message,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
		if r.MetaData != "" {
			// meta_data 解析失败就不带，不影响整页
			_ = json.Unmarshal([]byte(r.MetaData), &n.MetaData)
		}
		out = append(out, n)
	}
	return out, nil
}
