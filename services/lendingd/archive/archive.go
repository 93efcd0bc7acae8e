package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"termlend/core/events"
)

// EventRecord is one archived market event.
type EventRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    string    `gorm:"size:36;uniqueIndex"`
	Sequence   uint64    `gorm:"index"`
	Type       string    `gorm:"size:64;index"`
	Market     string    `gorm:"size:32;index"`
	Attributes string    `gorm:"type:text"`
	EmittedAt  time.Time `gorm:"index"`
}

func (EventRecord) TableName() string { return "lending_events" }

// Archive persists committed events for later queries.
type Archive struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Archive, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Archive, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

// Store implements events.Sink.
func (a *Archive) Store(env events.Envelope) error {
	attrs, err := json.Marshal(env.Attributes)
	if err != nil {
		return fmt.Errorf("archive: encode attributes: %w", err)
	}
	rec := EventRecord{
		EventID:    env.ID,
		Sequence:   env.Sequence,
		Type:       env.Type,
		Market:     env.Market,
		Attributes: string(attrs),
		EmittedAt:  env.Time,
	}
	return a.db.Create(&rec).Error
}

// Query filters archived events. Zero values match everything.
type Query struct {
	Market string
	Type   string
	// Account matches any address attribute; pass the checksummed hex form.
	Account string
	After   uint64
	Limit   int
	Since   time.Time
}

const maxLimit = 500

// List returns matching events in emission order.
func (a *Archive) List(ctx context.Context, q Query) ([]events.Envelope, error) {
	tx := a.db.WithContext(ctx).Model(&EventRecord{}).Order("id ASC")
	if m := strings.ToUpper(strings.TrimSpace(q.Market)); m != "" {
		tx = tx.Where("market = ?", m)
	}
	if typ := strings.TrimSpace(q.Type); typ != "" {
		tx = tx.Where("type = ?", typ)
	}
	if acct := strings.TrimSpace(q.Account); acct != "" {
		tx = tx.Where("attributes LIKE ?", "%"+acct+"%")
	}
	if q.After > 0 {
		tx = tx.Where("sequence > ?", q.After)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("emitted_at >= ?", q.Since)
	}
	limit := q.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	var rows []EventRecord
	if err := tx.Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]events.Envelope, 0, len(rows))
	for _, row := range rows {
		attrs := map[string]string{}
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("archive: decode event %s: %w", row.EventID, err)
		}
		out = append(out, events.Envelope{
			ID:       row.EventID,
			Sequence: row.Sequence,
			Time:     row.EmittedAt.UTC(),
			Market:   row.Market,
			Record:   events.Record{Type: row.Type, Attributes: attrs},
		})
	}
	return out, nil
}

// LastSequence returns the highest archived sequence, zero when empty.
func (a *Archive) LastSequence(ctx context.Context) (uint64, error) {
	var rec EventRecord
	err := a.db.WithContext(ctx).Order("sequence DESC").Limit(1).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Sequence, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
