// Package configstore is the Config Store (spec §3, §6): the transactional
// relational store of users, applications and endpoints. EthHook's core
// only reads endpoints and writes their health columns; the admin API
// (out of scope) owns every other write. Grounded on the teacher's
// pkg/database/sqlite_db.go for the SQLite+otelsql+golang-migrate wiring,
// modernized to go:embed/iofs instead of go_bindata.
package configstore

import (
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ethhook/ethhook/pkg/metrics"
)

// Store wraps the SQLite-backed Config Store.
type Store struct {
	URI string
	DB  *sql.DB
	Log zerolog.Logger
}

// Open opens (and migrates) the Config Store at path.
func Open(path string, attributes ...attribute.KeyValue) (*Store, error) {
	log := logger.With().Str("component", "configstore").Logger()

	attributes = append(attributes, metrics.BaseAttrs...)
	sqlDB, err := otelsql.Open("sqlite3", path, otelsql.WithAttributes(attributes...))
	if err != nil {
		return nil, fmt.Errorf("connecting to configstore db: %w", err)
	}
	if err := otelsql.RegisterDBStatsMetrics(sqlDB, otelsql.WithAttributes(attributes...)); err != nil {
		return nil, fmt.Errorf("registering dbstats: %w", err)
	}

	store := &Store{URI: path, DB: sqlDB, Log: log}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("initializing configstore connection: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	sourceFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}
	src, err := iofs.New(sourceFS, ".")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	target, err := sqlite3.WithInstance(s.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration target: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}
	defer func() {
		if _, err := m.Close(); err != nil {
			s.Log.Error().Err(err).Msg("closing configstore migration")
		}
	}()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migration up: %w", err)
	}

	version, dirty, err := m.Version()
	s.Log.Info().
		Uint("db_version", version).
		Bool("dirty", dirty).
		Err(err).
		Msg("configstore migration executed")

	return nil
}

// Close closes the Config Store.
func (s *Store) Close() error {
	return s.DB.Close()
}
