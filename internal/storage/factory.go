package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/storage/badger"
	"github.com/ternarybob/menulens/internal/storage/images"
	"github.com/ternarybob/menulens/internal/storage/redis"
	"github.com/ternarybob/menulens/internal/storage/sqlite"
)

// Manager owns every store a process opens and closes them together
type Manager struct {
	badgerDB  *badger.BadgerDB
	sqliteDB  *sqlite.SQLiteDB
	ephemeral interfaces.EphemeralStore
	durable   *sqlite.SessionStorage
	images    *images.Store
	logger    arbor.ILogger
}

// NewManager opens the stores of the server process: the embedded Badger database (work queue
// and, unless Redis is configured, the ephemeral store), the SQLite session store and the
// image store.
func NewManager(ctx context.Context, logger arbor.ILogger, config *common.Config) (*Manager, error) {
	m := &Manager{logger: logger}

	var err error
	m.badgerDB, err = badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	switch config.Storage.Ephemeral {
	case common.EphemeralBadger, "":
		m.ephemeral = badger.NewEphemeralStore(m.badgerDB, logger)
	case common.EphemeralRedis:
		m.ephemeral, err = openRedis(ctx, logger, config)
		if err != nil {
			m.Close()
			return nil, err
		}
	default:
		m.Close()
		return nil, fmt.Errorf("unsupported ephemeral store: %s (expected 'badger' or 'redis')", config.Storage.Ephemeral)
	}

	if err := m.openDurable(logger, config); err != nil {
		m.Close()
		return nil, err
	}

	m.images, err = images.NewStore(config.Storage.Images, logger)
	if err != nil {
		m.Close()
		return nil, err
	}

	logger.Info().
		Str("ephemeral", m.ephemeralKind(config)).
		Str("sqlite", config.Storage.SQLite.Path).
		Str("images", config.Storage.Images.Dir).
		Msg("Storage manager initialized")

	return m, nil
}

// NewReconcilerManager opens only the stores a standalone reconciler needs. The ephemeral
// store must be Redis: an embedded Badger directory cannot be shared with the server.
func NewReconcilerManager(ctx context.Context, logger arbor.ILogger, config *common.Config) (*Manager, error) {
	if config.Storage.Ephemeral != common.EphemeralRedis {
		return nil, errors.New("standalone reconciler requires storage.ephemeral = \"redis\"")
	}

	m := &Manager{logger: logger}

	var err error
	m.ephemeral, err = openRedis(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	if err := m.openDurable(logger, config); err != nil {
		m.Close()
		return nil, err
	}

	logger.Info().
		Str("redis", config.Storage.Redis.Addr).
		Str("sqlite", config.Storage.SQLite.Path).
		Msg("Reconciler storage initialized")

	return m, nil
}

func openRedis(ctx context.Context, logger arbor.ILogger, config *common.Config) (*redis.EphemeralStore, error) {
	retention := common.ParseDuration(config.Scheduler.HeaderRetention, 48*time.Hour)
	return redis.NewEphemeralStore(ctx, logger, &config.Storage.Redis, retention)
}

func (m *Manager) openDurable(logger arbor.ILogger, config *common.Config) error {
	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	if err != nil {
		return err
	}
	m.sqliteDB = db
	m.durable = sqlite.NewSessionStorage(db, logger)
	return nil
}

func (m *Manager) ephemeralKind(config *common.Config) string {
	if config.Storage.Ephemeral == "" {
		return common.EphemeralBadger
	}
	return config.Storage.Ephemeral
}

// BadgerDB returns the embedded database, nil for a reconciler manager
func (m *Manager) BadgerDB() *badger.BadgerDB {
	return m.badgerDB
}

// EphemeralStore returns the hot-path key/value store
func (m *Manager) EphemeralStore() interfaces.EphemeralStore {
	return m.ephemeral
}

// DurableStore returns the relational session store
func (m *Manager) DurableStore() interfaces.DurableStore {
	return m.durable
}

// ImageStore returns the generated image store, nil for a reconciler manager
func (m *Manager) ImageStore() *images.Store {
	return m.images
}

// Close closes every opened store. The Badger database is closed last since a Badger-backed
// ephemeral store shares its handle.
func (m *Manager) Close() error {
	var errs []error
	if m.ephemeral != nil {
		errs = append(errs, m.ephemeral.Close())
	}
	if m.durable != nil {
		errs = append(errs, m.durable.Close())
	}
	if m.badgerDB != nil {
		errs = append(errs, m.badgerDB.Close())
	}
	return errors.Join(errs...)
}
