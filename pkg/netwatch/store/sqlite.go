// Package store persists devices, rules, groups, alerts and compliance checks
// in a single SQLite file. Every kind lives in its own table as one JSON
// document per id, so each is durable and reloadable independently. Metric
// history and derived device status are not stored; polling rebuilds them.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

//go:embed schema.sql
var schemaFS embed.FS

// DBFile is the database file name inside the data directory.
const DBFile = "netwatch.db"

const (
	tableDevices    = "devices"
	tableRules      = "rules"
	tableGroups     = "device_groups"
	tableAlerts     = "alerts"
	tableCompliance = "compliance_checks"
)

const (
	maxRetries     = 5
	initialBackoff = 20 * time.Millisecond
	maxBackoff     = time.Second
)

// SQLite is the persistence backend. It is safe for concurrent use; the
// connection pool is limited to one connection so writes are serialised.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *zerolog.Logger
}

// Open creates dataDir if needed and opens (or creates) the database in it.
func Open(dataDir string, log *zerolog.Logger) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, DBFile)

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: connect %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	s := &SQLite{db: db, path: path, logger: logger.OrNop(log)}
	s.logger.Info().Str("path", path).Msg("store: opened")
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// ─────────────────────────────────────────────────────────────────────────────
// Devices
// ─────────────────────────────────────────────────────────────────────────────

// SaveDevice stores the identity part of d.
func (s *SQLite) SaveDevice(ctx context.Context, d models.Device) error {
	return s.put(ctx, tableDevices, d.ID, d.Identity())
}

// DeleteDevice removes a device.
func (s *SQLite) DeleteDevice(ctx context.Context, id string) error {
	return s.del(ctx, tableDevices, id)
}

// Devices returns every stored device.
func (s *SQLite) Devices(ctx context.Context) ([]models.Device, error) {
	return list[models.Device](ctx, s, tableDevices)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rules, groups, compliance checks
// ─────────────────────────────────────────────────────────────────────────────

// SaveRule stores a rule.
func (s *SQLite) SaveRule(ctx context.Context, r models.Rule) error {
	return s.put(ctx, tableRules, r.ID, r)
}

// DeleteRule removes a rule.
func (s *SQLite) DeleteRule(ctx context.Context, id string) error {
	return s.del(ctx, tableRules, id)
}

// Rules returns every stored rule.
func (s *SQLite) Rules(ctx context.Context) ([]models.Rule, error) {
	return list[models.Rule](ctx, s, tableRules)
}

// SaveGroup stores a group definition with its current members.
func (s *SQLite) SaveGroup(ctx context.Context, g models.DeviceGroup) error {
	return s.put(ctx, tableGroups, g.ID, g)
}

// DeleteGroup removes a group.
func (s *SQLite) DeleteGroup(ctx context.Context, id string) error {
	return s.del(ctx, tableGroups, id)
}

// Groups returns every stored group.
func (s *SQLite) Groups(ctx context.Context) ([]models.DeviceGroup, error) {
	return list[models.DeviceGroup](ctx, s, tableGroups)
}

// SaveCheck stores a compliance check with its latest results.
func (s *SQLite) SaveCheck(ctx context.Context, c models.ComplianceCheck) error {
	return s.put(ctx, tableCompliance, c.ID, c)
}

// DeleteCheck removes a compliance check.
func (s *SQLite) DeleteCheck(ctx context.Context, id string) error {
	return s.del(ctx, tableCompliance, id)
}

// Checks returns every stored compliance check.
func (s *SQLite) Checks(ctx context.Context) ([]models.ComplianceCheck, error) {
	return list[models.ComplianceCheck](ctx, s, tableCompliance)
}

// ─────────────────────────────────────────────────────────────────────────────
// Alerts
// ─────────────────────────────────────────────────────────────────────────────

// SaveAlert stores an alert. Alerts are never deleted.
func (s *SQLite) SaveAlert(ctx context.Context, a models.Alert) error {
	return s.put(ctx, tableAlerts, a.ID, a)
}

// Alerts returns every stored alert, resolved ones included.
func (s *SQLite) Alerts(ctx context.Context) ([]models.Alert, error) {
	return list[models.Alert](ctx, s, tableAlerts)
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (s *SQLite) put(ctx context.Context, table, id string, v any) error {
	if id == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s %s: %w", table, id, err)
	}
	q := "INSERT INTO " + table + " (id, doc, updated_at) VALUES (?, ?, ?) " +
		"ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at"
	return s.exec(ctx, "save "+table+" "+id, q, id, string(doc), time.Now().UTC())
}

func (s *SQLite) del(ctx context.Context, table, id string) error {
	return s.exec(ctx, "delete "+table+" "+id, "DELETE FROM "+table+" WHERE id = ?", id)
}

// exec runs a write, retrying while the database reports itself busy.
func (s *SQLite) exec(ctx context.Context, what, query string, args ...any) error {
	attempt := 0
	err := retry.Do(func() error {
		attempt++
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil && isBusy(err) {
			s.logger.Debug().Err(err).Int("attempt", attempt).Str("op", what).Msg("store: database busy, retrying")
		}
		return err
	},
		retry.Attempts(maxRetries),
		retry.Delay(initialBackoff),
		retry.MaxDelay(maxBackoff),
		retry.RetryIf(isBusy),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("store: %s: %w", what, err)
	}
	return nil
}

func list[T any](ctx context.Context, s *SQLite, table string) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, doc FROM "+table+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", table, err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Str("id", id).Msg("store: skip undecodable row")
			continue
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", table, err)
	}
	return out, nil
}

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_locked")
}
