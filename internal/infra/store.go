// Package infra implements infrastructure concerns (storage, bridge, journal).
package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/quietscreen/usaged/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.SQLiteDriver{}

const storeDBName = "usaged.db"

// EncryptedStore implements the persistence interfaces (AppStore,
// UsageStore, InterventionStore, SettingsStore) on a SQLCipher encrypted
// SQLite database. Per-key usage increments are serialized inside single
// upsert statements, so concurrent sync writes and buffer flushes never
// lose updates.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the encrypted database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the schema if it doesn't exist.
func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS monitored_apps (
		package_name TEXT PRIMARY KEY,
		app_name TEXT NOT NULL,
		intervention_type TEXT NOT NULL DEFAULT 'breathing',
		countdown_seconds INTEGER NOT NULL DEFAULT 0,
		redirect_package TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		daily_limit_minutes INTEGER,
		limit_mode TEXT NOT NULL DEFAULT 'soft',
		is_video_app INTEGER NOT NULL DEFAULT 0,
		cooldown_minutes INTEGER
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		package_name TEXT NOT NULL,
		date TEXT NOT NULL,
		usage_minutes INTEGER NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (package_name, date)
	);

	CREATE TABLE IF NOT EXISTS intervention_records (
		id TEXT PRIMARY KEY,
		package_name TEXT NOT NULL,
		app_name TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		intervention_type TEXT NOT NULL,
		user_choice TEXT NOT NULL,
		countdown_seconds INTEGER NOT NULL,
		actual_wait_seconds INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intervention_records_timestamp
		ON intervention_records (timestamp);

	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cooldown_minutes INTEGER NOT NULL,
		default_countdown_seconds INTEGER NOT NULL,
		service_enabled INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO settings (id, cooldown_minutes, default_countdown_seconds, service_enabled)
		VALUES (1, 10, 10, 1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.AppStore implementation ---

func (s *EncryptedStore) GetMonitoredApp(ctx context.Context, packageName string) (*domain.MonitoredApp, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT package_name, app_name, intervention_type, countdown_seconds,
		       redirect_package, enabled, daily_limit_minutes, limit_mode,
		       is_video_app, cooldown_minutes
		FROM monitored_apps WHERE package_name = ?`, packageName)

	app, err := scanMonitoredApp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read monitored app: %w", err)
	}
	return app, nil
}

func (s *EncryptedStore) ListMonitoredApps(ctx context.Context) ([]domain.MonitoredApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT package_name, app_name, intervention_type, countdown_seconds,
		       redirect_package, enabled, daily_limit_minutes, limit_mode,
		       is_video_app, cooldown_minutes
		FROM monitored_apps ORDER BY package_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored apps: %w", err)
	}
	defer rows.Close()

	var apps []domain.MonitoredApp
	for rows.Next() {
		app, err := scanMonitoredApp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitored app: %w", err)
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

func (s *EncryptedStore) UpsertMonitoredApp(ctx context.Context, app domain.MonitoredApp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO monitored_apps
			(package_name, app_name, intervention_type, countdown_seconds,
			 redirect_package, enabled, daily_limit_minutes, limit_mode,
			 is_video_app, cooldown_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.PackageName, app.AppName, string(app.InterventionType), app.CountdownSeconds,
		app.RedirectPackage, boolToInt(app.Enabled), nullableInt(app.DailyLimitMinutes),
		string(app.LimitMode), boolToInt(app.IsVideoApp), nullableInt(app.CooldownMinutes),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert monitored app: %w", err)
	}
	return nil
}

func (s *EncryptedStore) DeleteMonitoredApp(ctx context.Context, packageName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM monitored_apps WHERE package_name = ?`, packageName)
	if err != nil {
		return fmt.Errorf("failed to delete monitored app: %w", err)
	}
	return nil
}

// --- domain.UsageStore implementation ---

func (s *EncryptedStore) GetUsageRecord(ctx context.Context, packageName, date string) (*domain.UsageRecord, error) {
	var rec domain.UsageRecord
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT package_name, date, usage_minutes, last_updated
		FROM usage_records WHERE package_name = ? AND date = ?`,
		packageName, date,
	).Scan(&rec.PackageName, &rec.Date, &rec.UsageMinutes, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read usage record: %w", err)
	}
	rec.LastUpdated = time.Unix(updated, 0)
	return &rec, nil
}

// AddUsageMinutes increments the stored value inside one upsert, keeping
// the read-modify-write atomic per (package, date).
func (s *EncryptedStore) AddUsageMinutes(ctx context.Context, packageName, date string, minutes int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (package_name, date, usage_minutes, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (package_name, date) DO UPDATE SET
			usage_minutes = usage_minutes + excluded.usage_minutes,
			last_updated = excluded.last_updated`,
		packageName, date, minutes, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to add usage minutes: %w", err)
	}
	return nil
}

// SetUsageMinutes writes an authoritative total; MAX keeps the stored
// value monotonically non-decreasing within a day.
func (s *EncryptedStore) SetUsageMinutes(ctx context.Context, packageName, date string, minutes int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (package_name, date, usage_minutes, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (package_name, date) DO UPDATE SET
			usage_minutes = MAX(usage_minutes, excluded.usage_minutes),
			last_updated = excluded.last_updated`,
		packageName, date, minutes, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set usage minutes: %w", err)
	}
	return nil
}

func (s *EncryptedStore) GetUsageRecordsByDates(ctx context.Context, packageName string, dates []string) (map[string]domain.UsageRecord, error) {
	result := make(map[string]domain.UsageRecord, len(dates))
	if len(dates) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(dates))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(dates)+1)
	args = append(args, packageName)
	for _, d := range dates {
		args = append(args, d)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT package_name, date, usage_minutes, last_updated
		FROM usage_records WHERE package_name = ? AND date IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-read usage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.UsageRecord
		var updated int64
		if err := rows.Scan(&rec.PackageName, &rec.Date, &rec.UsageMinutes, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.LastUpdated = time.Unix(updated, 0)
		result[rec.Date] = rec
	}
	return result, rows.Err()
}

func (s *EncryptedStore) PurgeUsageBefore(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE date < ?`, date)
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage records: %w", err)
	}
	return res.RowsAffected()
}

// --- domain.InterventionStore implementation ---

func (s *EncryptedStore) InsertInterventionRecord(ctx context.Context, rec domain.InterventionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intervention_records
			(id, package_name, app_name, timestamp, intervention_type,
			 user_choice, countdown_seconds, actual_wait_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PackageName, rec.AppName, rec.Timestamp.Unix(),
		string(rec.InterventionType), string(rec.UserChoice),
		rec.CountdownSeconds, rec.ActualWaitSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to insert intervention record: %w", err)
	}
	return nil
}

func (s *EncryptedStore) GetInterventionStats(ctx context.Context, since time.Time) (*domain.InterventionStats, error) {
	var stats domain.InterventionStats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(user_choice = 'continued'), 0),
		       COALESCE(SUM(user_choice = 'cancelled'), 0),
		       COALESCE(SUM(user_choice = 'redirected'), 0),
		       AVG(actual_wait_seconds)
		FROM intervention_records WHERE timestamp >= ?`, since.Unix(),
	).Scan(&stats.Total, &stats.Continued, &stats.Cancelled, &stats.Redirected, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate intervention stats: %w", err)
	}
	if avg.Valid {
		stats.AvgWaitSeconds = avg.Float64
	}
	return &stats, nil
}

func (s *EncryptedStore) PurgeInterventionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM intervention_records WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge intervention records: %w", err)
	}
	return res.RowsAffected()
}

// --- domain.SettingsStore implementation ---

func (s *EncryptedStore) GetGlobalSettings(ctx context.Context) (domain.GlobalSettings, error) {
	var settings domain.GlobalSettings
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT cooldown_minutes, default_countdown_seconds, service_enabled
		FROM settings WHERE id = 1`,
	).Scan(&settings.CooldownMinutes, &settings.DefaultCountdownSeconds, &enabled)
	if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}
	settings.ServiceEnabled = enabled != 0
	return settings, nil
}

func (s *EncryptedStore) UpdateGlobalSettings(ctx context.Context, settings domain.GlobalSettings) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settings SET cooldown_minutes = ?, default_countdown_seconds = ?, service_enabled = ?
		WHERE id = 1`,
		settings.CooldownMinutes, settings.DefaultCountdownSeconds, boolToInt(settings.ServiceEnabled),
	)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *EncryptedStore) Close() error {
	return s.db.Close()
}

// GetDBPath returns the database file path (for tests).
func (s *EncryptedStore) GetDBPath() string {
	return s.dbPath
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitoredApp(row rowScanner) (*domain.MonitoredApp, error) {
	var app domain.MonitoredApp
	var interventionType, limitMode string
	var enabled, isVideo int
	var limit, cooldown sql.NullInt64

	err := row.Scan(&app.PackageName, &app.AppName, &interventionType, &app.CountdownSeconds,
		&app.RedirectPackage, &enabled, &limit, &limitMode, &isVideo, &cooldown)
	if err != nil {
		return nil, err
	}

	app.InterventionType = domain.InterventionType(interventionType)
	app.LimitMode = domain.LimitMode(limitMode)
	app.Enabled = enabled != 0
	app.IsVideoApp = isVideo != 0
	if limit.Valid {
		v := int(limit.Int64)
		app.DailyLimitMinutes = &v
	}
	if cooldown.Valid {
		v := int(cooldown.Int64)
		app.CooldownMinutes = &v
	}
	return &app, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// Ensure EncryptedStore implements the persistence interfaces.
var (
	_ domain.AppStore          = (*EncryptedStore)(nil)
	_ domain.UsageStore        = (*EncryptedStore)(nil)
	_ domain.InterventionStore = (*EncryptedStore)(nil)
	_ domain.SettingsStore     = (*EncryptedStore)(nil)
)
