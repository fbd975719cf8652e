package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record 审计表的行
type Record struct {
	ID        uint      `gorm:"primaryKey"`
	Kind      string    `gorm:"index;size:64"`
	At        time.Time `gorm:"index"`
	NodeID    string    `gorm:"size:64"`
	Identity  string    `gorm:"index;size:128"`
	SessionID string    `gorm:"size:64"`
	Detail    string
}

func (Record) TableName() string { return "audit_records" }

// Store 基于 sqlite 的审计存储
type Store struct {
	db *gorm.DB
}

// OpenStore 打开（必要时创建）sqlite 数据库，path 可以是 ":memory:"
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// 每个连接都是独立的内存库
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Record(ctx context.Context, e Event) error {
	detail := ""
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("audit: encode detail: %w", err)
		}
		detail = string(b)
	}
	return s.db.WithContext(ctx).Create(&Record{
		Kind:      string(e.Kind),
		At:        e.At,
		NodeID:    e.NodeID,
		Identity:  e.Identity,
		SessionID: e.SessionID,
		Detail:    detail,
	}).Error
}

// Recent 按时间倒序返回最近的审计事件
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	var rows []Record
	if err := s.db.WithContext(ctx).Order("at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toEvents(rows)
}

// ByIdentity 返回某身份的全部审计事件（时间正序）
func (s *Store) ByIdentity(ctx context.Context, identity string) ([]Event, error) {
	var rows []Record
	if err := s.db.WithContext(ctx).Where("identity = ?", identity).Order("at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toEvents(rows)
}

func (s *Store) Count(ctx context.Context, kind Kind) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Record{}).Where("kind = ?", string(kind)).Count(&n).Error
	return n, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toEvents(rows []Record) ([]Event, error) {
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		e := Event{
			Kind:      Kind(r.Kind),
			At:        r.At,
			NodeID:    r.NodeID,
			Identity:  r.Identity,
			SessionID: r.SessionID,
		}
		if r.Detail != "" {
			if err := json.Unmarshal([]byte(r.Detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("audit: decode detail %d: %w", r.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}
