// Package trace persists the values seen on port graph streams to SQLite.
//
// Every value becomes one row keyed by stream name and sequence number.
// Changes keep their simulated time, domain and sync flag; other values only
// their text form.
package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/signal"
	"github.com/sarchlab/cosim/vtime"

	_ "modernc.org/sqlite"
)

// Value kinds stored in the kind column.
const (
	kindBits = "bits"
	kindInt  = "int"
	kindText = "text"
)

// Record is one stored value.
type Record struct {
	Stream  string
	Seq     int64
	HasTime bool
	Time    vtime.Time
	Sync    bool
	Value   any
}

// Change returns the record as a Change. Records without time are placed at
// cycle Seq.
func (r Record) Change() signal.Change {
	t := r.Time
	if !r.HasTime {
		t = vtime.Cycles(r.Seq)
	}
	return signal.Change{Value: r.Value, Time: t, Sync: r.Sync}
}

// Store is a trace database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the trace database at path.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open trace db")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate trace db")
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		stream     TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		has_time   INTEGER NOT NULL DEFAULT 0,
		domain     INTEGER NOT NULL DEFAULT 0,
		time       INTEGER NOT NULL DEFAULT 0,
		sync       INTEGER NOT NULL DEFAULT 0,
		kind       TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (stream, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_samples_time ON samples(stream, domain, time);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isTransient reports SQLite errors that go away on retry.
func isTransient(err error) bool {
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func retryOnContention(ctx context.Context, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
	return err
}

// Append stores r.
func (s *Store) Append(ctx context.Context, r Record) error {
	kind, text := encodeValue(r.Value)
	var domain, t int64
	if r.HasTime {
		domain, t = int64(r.Time.Domain()), r.Time.Value()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	err := retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO samples (stream, seq, has_time, domain, time, sync, kind, value, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Stream, r.Seq, r.HasTime, domain, t, r.Sync, kind, text, now,
		)
		return err
	})
	return errors.Wrapf(err, "append %s#%d", r.Stream, r.Seq)
}

// Records returns the records of stream in sequence order.
func (s *Store) Records(ctx context.Context, stream string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, has_time, domain, time, sync, kind, value
		 FROM samples WHERE stream = ? ORDER BY seq`, stream)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", stream)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			domain, t  int64
			kind, text string
		)
		if err := rows.Scan(&r.Seq, &r.HasTime, &domain, &t, &r.Sync, &kind, &text); err != nil {
			return nil, errors.Wrapf(err, "scan %s", stream)
		}
		r.Stream = stream
		if r.HasTime {
			r.Time = vtime.New(vtime.Domain(domain), t)
		}
		if r.Value, err = decodeValue(kind, text); err != nil {
			return nil, errors.Wrapf(err, "%s#%d", stream, r.Seq)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Changes returns the records of stream as Changes.
func (s *Store) Changes(ctx context.Context, stream string) ([]signal.Change, error) {
	records, err := s.Records(ctx, stream)
	if err != nil {
		return nil, err
	}
	out := make([]signal.Change, len(records))
	for i, r := range records {
		out[i] = r.Change()
	}
	return out, nil
}

// Streams returns the names of all recorded streams.
func (s *Store) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream FROM samples ORDER BY stream`)
	if err != nil {
		return nil, errors.Wrap(err, "query streams")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func encodeValue(v any) (kind, text string) {
	switch v := v.(type) {
	case signal.Bits:
		return kindBits, v.String()
	case int:
		return kindInt, strconv.Itoa(v)
	default:
		return kindText, fmt.Sprint(v)
	}
}

func decodeValue(kind, text string) (any, error) {
	switch kind {
	case kindBits:
		return signal.ParseBits(text)
	case kindInt:
		return strconv.Atoi(text)
	default:
		return text, nil
	}
}
