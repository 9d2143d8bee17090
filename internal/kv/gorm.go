package kv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Dialect identifiers supported by the SQL backend.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// errStale aborts the transaction when a version check fails.
var errStale = errors.New("kv: stale check")

// kvRow is the single-table schema backing the SQL store. Version starts at
// 1 and is bumped on every upsert.
type kvRow struct {
	Key     string         `gorm:"column:key;primaryKey;type:text"`
	Value   datatypes.JSON `gorm:"column:value"`
	Version int64          `gorm:"column:version;not null;default:1"`
}

// TableName maps kvRow onto the kv_entries table.
func (kvRow) TableName() string { return "kv_entries" }

// GormStore implements Store on top of a relational database through GORM.
// Optimistic checks are enforced inside a transaction with version-guarded
// updates, so a batch either commits whole or not at all.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens a SQL-backed store from a DSN, detecting the dialect the
// same way the rest of the stack does: postgres URLs and keyword DSNs go to
// pgx, everything else is treated as a SQLite path.
func OpenGorm(dsn string) (*GormStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("kv: empty dsn")
	}

	var (
		conn *gorm.DB
		err  error
	)
	switch detectSQLDialect(trimmed) {
	case DialectPostgres:
		conn, err = openPostgres(trimmed)
	default:
		conn, err = openSQLite(trimmed)
	}
	if err != nil {
		return nil, err
	}

	if errMigrate := conn.AutoMigrate(&kvRow{}); errMigrate != nil {
		return nil, fmt.Errorf("kv: migrate: %w", errMigrate)
	}
	return &GormStore{db: conn}, nil
}

// NewGormStore wraps an already opened GORM connection. The kv_entries table
// must exist.
func NewGormStore(conn *gorm.DB) *GormStore { return &GormStore{db: conn} }

// Get returns the entry for key, or a zero-version entry when absent.
func (s *GormStore) Get(ctx context.Context, key string) (Entry, error) {
	var row kvRow
	errTake := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(errTake, gorm.ErrRecordNotFound) {
		return Entry{Key: key}, nil
	}
	if errTake != nil {
		return Entry{}, fmt.Errorf("kv: get %s: %w", key, errTake)
	}
	return Entry{Key: row.Key, Value: []byte(row.Value), Version: row.Version}, nil
}

// List returns every entry whose key starts with prefix.
func (s *GormStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var rows []kvRow
	pattern := escapeLike(prefix) + "%"
	errFind := s.db.WithContext(ctx).
		Where("key LIKE ? ESCAPE '\\'", pattern).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, errFind)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entry{Key: row.Key, Value: []byte(row.Value), Version: row.Version})
	}
	return out, nil
}

// Put upserts key unconditionally, bumping its version.
func (s *GormStore) Put(ctx context.Context, key string, value []byte) error {
	errCreate := s.db.WithContext(ctx).
		Clauses(upsertClause()).
		Create(&kvRow{Key: key, Value: datatypes.JSON(value), Version: 1}).Error
	if errCreate != nil {
		return fmt.Errorf("kv: put %s: %w", key, errCreate)
	}
	return nil
}

// Delete removes key; deleting an absent key is a no-op.
func (s *GormStore) Delete(ctx context.Context, key string) error {
	errDelete := s.db.WithContext(ctx).Where("key = ?", key).Delete(&kvRow{}).Error
	if errDelete != nil {
		return fmt.Errorf("kv: delete %s: %w", key, errDelete)
	}
	return nil
}

// Atomic runs the checked batch in a transaction. Present-key checks are
// enforced with a version-guarded no-op update that also takes the row lock;
// absent-key checks make the corresponding insert plain so a racing creator
// turns into a duplicate-key rejection instead of a silent overwrite.
func (s *GormStore) Atomic(ctx context.Context, checks []Check, muts []Mutation) (bool, error) {
	mustBeAbsent := make(map[string]struct{})
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, check := range checks {
			if check.Version == 0 {
				mustBeAbsent[check.Key] = struct{}{}
				var n int64
				if errCount := tx.Model(&kvRow{}).Where("key = ?", check.Key).Count(&n).Error; errCount != nil {
					return errCount
				}
				if n != 0 {
					return errStale
				}
				continue
			}
			res := tx.Model(&kvRow{}).
				Where("key = ? AND version = ?", check.Key, check.Version).
				Update("version", gorm.Expr("version"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return errStale
			}
		}

		for _, mut := range muts {
			if mut.Delete {
				if errDelete := tx.Where("key = ?", mut.Key).Delete(&kvRow{}).Error; errDelete != nil {
					return errDelete
				}
				continue
			}
			row := kvRow{Key: mut.Key, Value: datatypes.JSON(mut.Value), Version: 1}
			if _, absent := mustBeAbsent[mut.Key]; absent {
				if errCreate := tx.Create(&row).Error; errCreate != nil {
					if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
						return errStale
					}
					return errCreate
				}
				continue
			}
			if errUpsert := tx.Clauses(upsertClause()).Create(&row).Error; errUpsert != nil {
				return errUpsert
			}
		}
		return nil
	})
	if errors.Is(errTx, errStale) {
		return false, nil
	}
	if errTx != nil {
		return false, fmt.Errorf("kv: atomic: %w", errTx)
	}
	return true, nil
}

// Close closes the underlying SQL connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":   gorm.Expr("excluded.value"),
			"version": gorm.Expr("kv_entries.version + 1"),
		}),
	}
}

// escapeLike escapes LIKE metacharacters in a literal prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// detectSQLDialect infers the dialect from a DSN string.
func detectSQLDialect(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "user=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return DialectPostgres
	default:
		return DialectSQLite
	}
}

func newGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// openPostgres opens a PostgreSQL connection through pgx.
func openPostgres(dsn string) (*gorm.DB, error) {
	cfg, errParse := pgx.ParseConfig(dsn)
	if errParse != nil {
		return nil, fmt.Errorf("kv: parse dsn: %w", errParse)
	}
	sqlDB := stdlib.OpenDB(*cfg)

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("kv: open postgres: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := sqlDB.PingContext(pingCtx); errPing != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("kv: ping: %w", errPing)
	}
	return conn, nil
}

// openSQLite opens a SQLite connection with defaults and pragmas applied.
func openSQLite(dsn string) (*gorm.DB, error) {
	normalized := ensureSQLiteParams(normalizeSQLiteDSN(dsn))
	if errEnsure := ensureSQLiteDir(normalized); errEnsure != nil {
		return nil, errEnsure
	}

	conn, err := gorm.Open(sqlite.Open(normalized), &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite sql: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := sqlDB.PingContext(pingCtx); errPing != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("kv: ping: %w", errPing)
	}
	return conn, nil
}

// normalizeSQLiteDSN converts sqlite:// URLs into file-based DSNs.
func normalizeSQLiteDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "sqlite3://") || strings.HasPrefix(lower, "sqlite://") {
		parts := strings.SplitN(trimmed, "://", 2)
		if len(parts) == 2 {
			return "file:" + parts[1]
		}
	}
	return trimmed
}

// ensureSQLiteParams adds default SQLite query parameters when missing.
func ensureSQLiteParams(dsn string) string {
	if strings.TrimSpace(dsn) == "" {
		return dsn
	}
	targetParams := map[string]string{
		"_busy_timeout": "5000",
		"_journal_mode": "WAL",
		"_synchronous":  "NORMAL",
	}

	lower := strings.ToLower(dsn)
	existing := map[string]struct{}{}
	if idx := strings.Index(lower, "?"); idx >= 0 {
		for _, part := range strings.Split(lower[idx+1:], "&") {
			if part == "" {
				continue
			}
			existing[strings.SplitN(part, "=", 2)[0]] = struct{}{}
		}
	}

	var add []string
	for key, value := range targetParams {
		if _, ok := existing[key]; ok {
			continue
		}
		add = append(add, key+"="+value)
	}
	if len(add) == 0 {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join(add, "&")
}

// ensureSQLiteDir creates the parent directory of a file-backed database.
func ensureSQLiteDir(dsn string) error {
	path := sqlitePathFromDSN(dsn)
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
		return fmt.Errorf("kv: create db dir: %w", errMkdir)
	}
	return nil
}

// sqlitePathFromDSN extracts the file path from a SQLite DSN.
func sqlitePathFromDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "file:") {
		trimmed = trimmed[len("file:"):]
	}
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
