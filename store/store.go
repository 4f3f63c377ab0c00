package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/log"
)

// checkpointInterval is how often the WAL is folded back into the main file.
const checkpointInterval = 5 * time.Minute

// Store is the durable home of sessions, transcripts, tool grants and
// offline-buffered events. One instance per process; writes serialize
// through a single connection.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  zerolog.Logger

	stopCheckpoint chan struct{}
	checkpointDone chan struct{}
}

// Open opens (or creates) the database at path, applies pending migrations
// and starts the periodic WAL checkpoint worker.
func Open(path string) (*Store, error) {
	logger := log.GetLogger("store")

	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	// WAL mode, foreign keys on, modest busy timeout
	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=-64000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:             db,
		logger:         logger,
		stopCheckpoint: make(chan struct{}),
		checkpointDone: make(chan struct{}),
	}
	go s.checkpointWorker()

	logger.Info().Str("path", path).Msg("database initialized")
	return s, nil
}

// Close stops the checkpoint worker, runs a final truncating checkpoint and
// closes the connection.
func (s *Store) Close() error {
	close(s.stopCheckpoint)
	<-s.checkpointDone

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn().Err(err).Msg("final WAL checkpoint failed")
	}
	return s.db.Close()
}

// checkpointWorker periodically folds the WAL back into the main database file.
func (s *Store) checkpointWorker() {
	defer close(s.checkpointDone)

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
				s.logger.Warn().Err(err).Msg("WAL checkpoint failed")
			}
		case <-s.stopCheckpoint:
			return
		}
	}
}

// Transaction executes fn within a database transaction, holding the writer lane.
func (s *Store) Transaction(fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// exec runs a single write statement under the writer lane.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Exec(query, args...)
}

func ensureDirectory(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
