// pkg/installdb/sqlite.go
package installdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	name TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	status_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS txlog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	time INTEGER NOT NULL, -- unix nanoseconds
	level TEXT NOT NULL,
	phase TEXT NOT NULL,
	package TEXT,
	version TEXT,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txlog_tx ON txlog(tx_id);
`

// SQLite stores the installed set in a single database file
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, dbErr("open", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, dbErr("open", err)
	}
	// One connection keeps writes serialized at the driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, dbErr("initialize schema", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Load(ctx context.Context) (map[string]*metadata.InstalledStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, status_json FROM packages`)
	if err != nil {
		return nil, dbErr("load", err)
	}
	defer rows.Close()

	out := make(map[string]*metadata.InstalledStatus)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, dbErr("load", err)
		}
		var st metadata.InstalledStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, core.Errorf(core.ErrPackageCorrupted, "load installed set", name, "", "%v", err)
		}
		out[name] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("load", err)
	}
	return out, nil
}

func (s *SQLite) Commit(ctx context.Context, puts []*metadata.InstalledStatus, deletes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("commit", err)
	}
	defer tx.Rollback()

	for _, name := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE name = ?`, name); err != nil {
			return dbErr("commit", err)
		}
	}
	now := time.Now().UnixNano()
	for _, st := range puts {
		raw, err := json.Marshal(st)
		if err != nil {
			return dbErr("commit", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO packages (name, version, status_json, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET version = excluded.version,
				status_json = excluded.status_json, updated_at = excluded.updated_at`,
			st.Name, st.Version.String(), string(raw), now)
		if err != nil {
			return dbErr("commit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit", err)
	}
	return nil
}

func (s *SQLite) AppendLog(ctx context.Context, recs []LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("append log", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO txlog (tx_id, seq, time, level, phase, package, version, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return dbErr("append log", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.TxID, r.Seq, r.Time.UnixNano(), r.Level, r.Phase, r.Package, r.Version, r.Message); err != nil {
			return dbErr("append log", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("append log", err)
	}
	return nil
}

func (s *SQLite) Log(ctx context.Context, txID string) ([]LogRecord, error) {
	query := `SELECT tx_id, seq, time, level, phase, package, version, message FROM txlog`
	var args []any
	if txID != "" {
		query += ` WHERE tx_id = ?`
		args = append(args, txID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("read log", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var r LogRecord
		var pkg, ver sql.NullString
		var ns int64
		if err := rows.Scan(&r.TxID, &r.Seq, &ns, &r.Level, &r.Phase, &pkg, &ver, &r.Message); err != nil {
			return nil, dbErr("read log", err)
		}
		r.Time = time.Unix(0, ns)
		r.Package, r.Version = pkg.String, ver.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("read log", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func dbErr(op string, err error) error {
	return fmt.Errorf("%w: installed-set database: %s: %v", core.ErrCache, op, err)
}
