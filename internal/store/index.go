package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	gosqlite3 "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/kannelcore/bearerbox/internal/message"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var registerOnce sync.Once

// Index is a sqlite side-index over the append-only log, giving status
// lookups a queryable view without ever being consulted for crash
// recovery — the log file remains the only source of truth per §4.5. The
// admin status endpoint does not read from it.
type Index struct {
	db *sqlx.DB
}

// OpenIndex opens (creating and migrating if necessary) the sqlite index
// database at path.
func OpenIndex(path string) (*Index, error) {
	registerOnce.Do(func() {
		sql.Register("sqlite3_bearerbox", sqlhooks.Wrap(&gosqlite3.SQLiteDriver{}, &sqlHooks{}))
	})

	db, err := sqlx.Open("sqlite3_bearerbox", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	// sqlite does not multiplex writers; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := migrateIndex(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db}, nil
}

func migrateIndex(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// RecordSave upserts the sms's indexable fields.
func (idx *Index) RecordSave(s *message.SMS) error {
	q, args, err := sq.Insert("messages").
		Columns("id", "sender", "receiver", "smsc_id", "boxc_id", "time", "status").
		Values(s.ID, s.Sender, s.Receiver, s.SMSCID, s.BoxCID, s.Time, "pending").
		Suffix("ON CONFLICT(id) DO UPDATE SET sender=excluded.sender, receiver=excluded.receiver, " +
			"smsc_id=excluded.smsc_id, boxc_id=excluded.boxc_id, status='pending'").
		ToSql()
	if err != nil {
		return err
	}
	_, err = idx.db.Exec(q, args...)
	return err
}

// RecordAck marks id as resolved with the given outcome.
func (idx *Index) RecordAck(id uint64, reason message.NackReason) error {
	q, args, err := sq.Update("messages").
		Set("status", ackStatus(reason)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = idx.db.Exec(q, args...)
	return err
}

func ackStatus(reason message.NackReason) string {
	switch reason {
	case message.NackNone:
		return "delivered"
	case message.NackFailed:
		return "failed"
	case message.NackFailedTemp:
		return "failed_temp"
	case message.NackRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// StatusRow is one row of a status query result.
type StatusRow struct {
	ID       uint64 `db:"id"`
	Sender   string `db:"sender"`
	Receiver string `db:"receiver"`
	SMSCID   string `db:"smsc_id"`
	BoxCID   string `db:"boxc_id"`
	Time     int64  `db:"time"`
	Status   string `db:"status"`
}

// RecentByStatus returns up to limit rows with the given status, most
// recent first.
func (idx *Index) RecentByStatus(status string, limit int) ([]StatusRow, error) {
	q, args, err := sq.Select("id", "sender", "receiver", "smsc_id", "boxc_id", "time", "status").
		From("messages").
		Where(sq.Eq{"status": status}).
		OrderBy("time DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []StatusRow
	if err := idx.db.Select(&rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (idx *Index) Close() error { return idx.db.Close() }
