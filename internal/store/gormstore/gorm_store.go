package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arena/internal/events"
	"arena/internal/pending"
	"arena/internal/profile"
	"arena/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore 持久化条件单、profile 运行态与事件归档（Gorm + SQLite）。
type GormStore struct {
	db *gorm.DB
}

var (
	_ pending.Persister  = (*GormStore)(nil)
	_ profile.StateStore = (*GormStore)(nil)
)

// NewGormStore initializes the database at path and migrates the schema.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&pendingActionModel{}, &profileStateModel{}, &eventLogModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: 少量并发读，写锁竞争保持很低
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB 暴露底层连接，供 reasonlog 共享同一个文件。
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

// --------------------- Pending actions -------------------------

// SavePendingAction upserts the full record; terminal transitions overwrite active rows.
func (s *GormStore) SavePendingAction(ctx context.Context, r pending.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	m, err := newPendingActionModel(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *GormStore) LoadActivePendingActions(ctx context.Context) ([]pending.Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []pendingActionModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(pending.StatusActive)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toRecords(models)
}

// ListPendingActions 返回 profile 最近的条件单（含终态），用于审计查询。
func (s *GormStore) ListPendingActions(ctx context.Context, profileID string, limit int) ([]pending.Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 {
		limit = 100
	}
	var models []pendingActionModel
	if err := s.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toRecords(models)
}

func toRecords(models []pendingActionModel) ([]pending.Record, error) {
	out := make([]pending.Record, 0, len(models))
	for _, m := range models {
		r, err := m.record()
		if err != nil {
			return nil, fmt.Errorf("decode pending action %s: %w", m.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// --------------------- Profile state -------------------------

func (s *GormStore) SaveProfileState(ctx context.Context, st profile.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	m := profileStateModel{
		ID:              st.ID,
		Active:          st.Active,
		OperatorStopped: st.OperatorStopped,
		LastCycleAt:     timeToMillis(st.LastCycleAt),
		UpdatedAt:       timeToMillis(st.UpdatedAt),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&m).Error
}

func (s *GormStore) LoadProfileStates(ctx context.Context) ([]profile.State, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []profileStateModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]profile.State, 0, len(models))
	for _, m := range models {
		out = append(out, profile.State{
			ID:              m.ID,
			Active:          m.Active,
			OperatorStopped: m.OperatorStopped,
			LastCycleAt:     millisToTime(m.LastCycleAt),
			UpdatedAt:       millisToTime(m.UpdatedAt),
		})
	}
	return out, nil
}

// --------------------- Event archive -------------------------

// AppendEvent 归档一条总线事件；重复的事件 id 被忽略。
func (s *GormStore) AppendEvent(ctx context.Context, ev events.Event) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	m := eventLogModel{
		EventID:       ev.ID,
		Seq:           ev.Seq,
		Type:          string(ev.Type),
		ProfileID:     ev.ProfileID,
		Payload:       datatypes.JSON(payload),
		CreatedAtUnix: ev.At.UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_uuid"}}, DoNothing: true}).
		Create(&m).Error
}

func (s *GormStore) LoadEvents(ctx context.Context, profileID string, since time.Time, limit int) ([]events.Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 {
		limit = 1000
	}
	query := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Limit(limit)
	if profileID != "" {
		query = query.Where("profile_id = ?", profileID)
	}
	if !since.IsZero() {
		query = query.Where("created_at > ?", since.UnixMilli())
	}
	var models []eventLogModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(models))
	for _, m := range models {
		var ev events.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", m.EventID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// --------------------------- Models ------------------------------

type pendingActionModel struct {
	ID         string         `gorm:"column:id;primaryKey"`
	ProfileID  string         `gorm:"column:profile_id;index"`
	Instrument string         `gorm:"column:instrument"`
	Kind       string         `gorm:"column:kind"`
	Status     string         `gorm:"column:status;index"`
	Predicate  datatypes.JSON `gorm:"column:predicate"`
	Order      datatypes.JSON `gorm:"column:order_spec"`
	Reasoning  string         `gorm:"column:reasoning"`
	Outcome    datatypes.JSON `gorm:"column:outcome"`
	Error      string         `gorm:"column:error"`
	Deadline   int64          `gorm:"column:deadline"`
	CreatedAt  int64          `gorm:"column:created_at;index;autoCreateTime:false"`
	FiredAt    int64          `gorm:"column:fired_at"`
	ClosedAt   int64          `gorm:"column:closed_at"`
}

func (pendingActionModel) TableName() string { return "pending_actions" }

func newPendingActionModel(r pending.Record) (pendingActionModel, error) {
	pred, err := json.Marshal(r.Predicate)
	if err != nil {
		return pendingActionModel{}, err
	}
	order, err := json.Marshal(r.Order)
	if err != nil {
		return pendingActionModel{}, err
	}
	m := pendingActionModel{
		ID:         r.ID,
		ProfileID:  r.ProfileID,
		Instrument: r.Instrument,
		Kind:       string(r.Kind),
		Status:     string(r.Status),
		Predicate:  datatypes.JSON(pred),
		Order:      datatypes.JSON(order),
		Reasoning:  r.Reasoning,
		Error:      r.Error,
		Deadline:   timePtrToMillis(r.Deadline),
		CreatedAt:  timeToMillis(r.CreatedAt),
		FiredAt:    timePtrToMillis(r.FiredAt),
		ClosedAt:   timePtrToMillis(r.ClosedAt),
	}
	if r.Outcome != nil {
		out, err := json.Marshal(r.Outcome)
		if err != nil {
			return pendingActionModel{}, err
		}
		m.Outcome = datatypes.JSON(out)
	}
	return m, nil
}

func (m pendingActionModel) record() (pending.Record, error) {
	r := pending.Record{
		ID:         m.ID,
		ProfileID:  m.ProfileID,
		Instrument: m.Instrument,
		Kind:       pending.Kind(m.Kind),
		Status:     pending.Status(m.Status),
		Reasoning:  m.Reasoning,
		Error:      m.Error,
		Deadline:   millisToTimePtr(m.Deadline),
		CreatedAt:  millisToTime(m.CreatedAt),
		FiredAt:    millisToTimePtr(m.FiredAt),
		ClosedAt:   millisToTimePtr(m.ClosedAt),
	}
	if err := json.Unmarshal(m.Predicate, &r.Predicate); err != nil {
		return pending.Record{}, fmt.Errorf("predicate: %w", err)
	}
	if err := json.Unmarshal(m.Order, &r.Order); err != nil {
		return pending.Record{}, fmt.Errorf("order: %w", err)
	}
	if len(m.Outcome) > 0 && string(m.Outcome) != "null" {
		var o types.Outcome
		if err := json.Unmarshal(m.Outcome, &o); err != nil {
			return pending.Record{}, fmt.Errorf("outcome: %w", err)
		}
		r.Outcome = &o
	}
	if r.Status == "" {
		return pending.Record{}, errors.New("missing status")
	}
	return r, nil
}

type profileStateModel struct {
	ID              string `gorm:"column:id;primaryKey"`
	Active          bool   `gorm:"column:active"`
	OperatorStopped bool   `gorm:"column:operator_stopped"`
	LastCycleAt     int64  `gorm:"column:last_cycle_at"`
	UpdatedAt       int64  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (profileStateModel) TableName() string { return "profile_states" }

type eventLogModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	EventID       string         `gorm:"column:event_uuid;uniqueIndex"`
	Seq           uint64         `gorm:"column:seq"`
	Type          string         `gorm:"column:type;index"`
	ProfileID     string         `gorm:"column:profile_id;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (eventLogModel) TableName() string { return "event_log" }

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timePtrToMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return timeToMillis(*t)
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func millisToTimePtr(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}
