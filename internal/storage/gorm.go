package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	sqliteDriver "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// OpenGorm opens a sqlite or postgres database
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = string(DriverSQLite)
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver != string(DriverSQLite) {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = "casedesk.db"
	}

	cfg := &gorm.Config{TranslateError: true}
	switch driver {
	case string(DriverSQLite):
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return gorm.Open(sqliteDriver.Open(dsn), cfg)
	case string(DriverPostgres):
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	if raw == "" || lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if !strings.HasPrefix(lower, "file:") {
		return stripQuery(raw), true
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return stripQuery(strings.TrimPrefix(raw, "file:")), true
	}
	if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
		return "", false
	}
	if parsed.Path != "" {
		return parsed.Path, true
	}
	if parsed.Opaque != "" {
		return stripQuery(parsed.Opaque), true
	}
	return "", false
}

func stripQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}

// queryRow is the SQL row for a query document
type queryRow struct {
	TenantID            string `gorm:"primaryKey;size:64"`
	CaseID              string `gorm:"primaryKey;size:64"`
	CustomerID          string `gorm:"size:128;index"`
	CustomerName        string
	Subject             string
	Category            string `gorm:"size:64"`
	Priority            string `gorm:"size:32"`
	Status              string `gorm:"size:32;index"`
	AssignedHandler     string `gorm:"size:128;index"`
	AssignedAt          *time.Time
	ResolvedAt          *time.Time
	ResolvedBy          string `gorm:"size:128"`
	HasMessages         bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastActivityAt      time.Time
	ExpiresAt           time.Time `gorm:"index"`
	TransferHistoryJSON string    `gorm:"type:text"`
	Version             int64
}

func (queryRow) TableName() string {
	return "queries"
}

func queryRowFromQuery(q *types.Query) (queryRow, error) {
	history := q.TransferHistory
	if history == nil {
		history = []types.TransferRecord{}
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		return queryRow{}, fmt.Errorf("marshal transfer history: %w", err)
	}
	return queryRow{
		TenantID:            q.TenantID,
		CaseID:              q.CaseID,
		CustomerID:          q.CustomerID,
		CustomerName:        q.CustomerName,
		Subject:             q.Subject,
		Category:            q.Category,
		Priority:            q.Priority,
		Status:              string(q.Status),
		AssignedHandler:     q.AssignedHandler,
		AssignedAt:          q.AssignedAt,
		ResolvedAt:          q.ResolvedAt,
		ResolvedBy:          q.ResolvedBy,
		HasMessages:         q.HasMessages,
		CreatedAt:           q.CreatedAt,
		UpdatedAt:           q.UpdatedAt,
		LastActivityAt:      q.LastActivityAt,
		ExpiresAt:           q.ExpiresAt,
		TransferHistoryJSON: string(encoded),
		Version:             q.Version,
	}, nil
}

func (r queryRow) toQuery() (*types.Query, error) {
	var history []types.TransferRecord
	if r.TransferHistoryJSON != "" {
		if err := json.Unmarshal([]byte(r.TransferHistoryJSON), &history); err != nil {
			return nil, fmt.Errorf("unmarshal transfer history: %w", err)
		}
	}
	return &types.Query{
		TenantID:        r.TenantID,
		CaseID:          r.CaseID,
		CustomerID:      r.CustomerID,
		CustomerName:    r.CustomerName,
		Subject:         r.Subject,
		Category:        r.Category,
		Priority:        r.Priority,
		Status:          types.QueryStatus(r.Status),
		AssignedHandler: r.AssignedHandler,
		AssignedAt:      r.AssignedAt,
		ResolvedAt:      r.ResolvedAt,
		ResolvedBy:      r.ResolvedBy,
		HasMessages:     r.HasMessages,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		LastActivityAt:  r.LastActivityAt,
		ExpiresAt:       r.ExpiresAt,
		TransferHistory: history,
		Version:         r.Version,
	}, nil
}

// columns lists every mutable column for a conditional update
func (r queryRow) columns() map[string]any {
	return map[string]any{
		"customer_id":           r.CustomerID,
		"customer_name":         r.CustomerName,
		"subject":               r.Subject,
		"category":              r.Category,
		"priority":              r.Priority,
		"status":                r.Status,
		"assigned_handler":      r.AssignedHandler,
		"assigned_at":           r.AssignedAt,
		"resolved_at":           r.ResolvedAt,
		"resolved_by":           r.ResolvedBy,
		"has_messages":          r.HasMessages,
		"updated_at":            r.UpdatedAt,
		"last_activity_at":      r.LastActivityAt,
		"expires_at":            r.ExpiresAt,
		"transfer_history_json": r.TransferHistoryJSON,
		"version":               r.Version,
	}
}

// GormStore implements Store on a SQL database. The conditional update is a
// single UPDATE whose WHERE clause carries the expected statuses and version.
type GormStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewGormStore opens the database and migrates the queries table
func NewGormStore(driver, dsn string, logger zerolog.Logger) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	return NewGormStoreFromDB(gormDB, logger)
}

// NewGormStoreFromDB wraps an open database
func NewGormStoreFromDB(db *gorm.DB, logger zerolog.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&queryRow{}); err != nil {
		return nil, fmt.Errorf("migrate queries table: %w", err)
	}
	logger.Info().Str("dialect", db.Dialector.Name()).Msg("SQL store initialized")
	return &GormStore{db: db, logger: logger}, nil
}

// CreateQuery inserts a new query row
func (s *GormStore) CreateQuery(ctx context.Context, q *types.Query) error {
	row, err := queryRowFromQuery(q)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || s.exists(ctx, q.TenantID, q.CaseID) {
			return ErrDuplicate
		}
		return fmt.Errorf("create query: %w", err)
	}
	return nil
}

// GetQuery loads one query
func (s *GormStore) GetQuery(ctx context.Context, tenantID, caseID string) (*types.Query, error) {
	var row queryRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND case_id = ?", tenantID, caseID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get query: %w", err)
	}
	return row.toQuery()
}

// UpdateQuery writes q if the stored row still matches cond
func (s *GormStore) UpdateQuery(ctx context.Context, q *types.Query, cond Condition) error {
	next := q.Clone()
	next.Version = cond.Version + 1
	row, err := queryRowFromQuery(next)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Model(&queryRow{}).
		Where("tenant_id = ? AND case_id = ? AND status IN ? AND version = ?",
			q.TenantID, q.CaseID, statusStrings(cond.Statuses), cond.Version).
		Updates(row.columns())
	if res.Error != nil {
		return fmt.Errorf("update query: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if !s.exists(ctx, q.TenantID, q.CaseID) {
			return ErrNotFound
		}
		return ErrConflict
	}

	q.Version = next.Version
	return nil
}

// ListQueries returns the queries matching filter, oldest first
func (s *GormStore) ListQueries(ctx context.Context, filter Filter) ([]types.Query, error) {
	tx := s.db.WithContext(ctx).Model(&queryRow{})
	if filter.TenantID != "" {
		tx = tx.Where("tenant_id = ?", filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		tx = tx.Where("status IN ?", statusStrings(filter.Statuses))
	}
	if filter.Handler != "" {
		tx = tx.Where("assigned_handler = ?", filter.Handler)
	}
	if !filter.ExpiresBefore.IsZero() {
		tx = tx.Where("expires_at < ?", filter.ExpiresBefore)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}

	var rows []queryRow
	if err := tx.Order("created_at ASC, case_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}

	out := make([]types.Query, 0, len(rows))
	for _, row := range rows {
		q, err := row.toQuery()
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, nil
}

// Close closes the underlying connection pool
func (s *GormStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) exists(ctx context.Context, tenantID, caseID string) bool {
	var count int64
	s.db.WithContext(ctx).Model(&queryRow{}).
		Where("tenant_id = ? AND case_id = ?", tenantID, caseID).
		Count(&count)
	return count > 0
}

func statusStrings(statuses []types.QueryStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
