package claimd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"claimengine/core/events"
	"claimengine/observability"
)

// EventRecord is one persisted audit event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Type       string    `gorm:"index;not null" json:"type"`
	Attributes string    `gorm:"type:text;not null" json:"-"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the table name regardless of gorm naming strategy.
func (EventRecord) TableName() string { return "claim_events" }

// Decoded returns the attribute map.
func (r EventRecord) Decoded() (map[string]string, error) {
	attrs := map[string]string{}
	if r.Attributes == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// OpenJournalDB opens the journal database named by dsn.
func OpenJournalDB(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), cfg)
	case strings.HasPrefix(dsn, "sqlite:"):
		return gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), cfg)
	case strings.HasPrefix(dsn, "postgres:"):
		return gorm.Open(postgres.Open(strings.TrimPrefix(dsn, "postgres:")), cfg)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported journal dsn %q", dsn)
	}
}

// Journal persists engine events for off-chain reconciliation. It implements
// events.Emitter.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ events.Emitter = (*Journal)(nil)

// NewJournal migrates the schema and returns a journal bound to db.
func NewJournal(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, logger: log, now: time.Now}, nil
}

// Emit records evt. Failures are logged; the settled operation is never
// undone because its audit row could not be written.
func (j *Journal) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal append failed", "type", evt.EventType(), "error", err)
	}
}

// Append writes evt and returns the storage error, if any.
func (j *Journal) Append(ctx context.Context, evt events.Event) error {
	rendered := evt.Event()
	if rendered == nil {
		return fmt.Errorf("event %s rendered nil", evt.EventType())
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return err
	}
	record := EventRecord{
		ID:         uuid.New(),
		Type:       rendered.Type,
		Attributes: string(attrs),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
		return err
	}
	observability.Events().RecordEvent(rendered.Type)
	j.logger.Info("claims event", "type", rendered.Type, "id", record.ID.String())
	return nil
}

// List returns the most recent events, newest first. An empty typ matches all
// types; limit is clamped to 1..500.
func (j *Journal) List(ctx context.Context, typ string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := j.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if typ = strings.TrimSpace(typ); typ != "" {
		query = query.Where("type = ?", typ)
	}
	var records []EventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
