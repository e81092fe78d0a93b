package returner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"yqhp/dispatch-engine/pkg/types"
	"yqhp/dispatch-engine/pkg/util"
)

// Local is the embedded SQLite job cache, the default returner. Every job
// passes through it regardless of what other backends are configured.
type Local struct {
	db *sql.DB
}

// NewLocal opens (creating if needed) the cache database and migrates it.
func NewLocal(dbPath string) (*Local, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers while the dispatcher writes.
	// modernc only honors pragmas in _pragma=name(value) form.
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Local{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return l, nil
}

// Close closes the database connection.
func (l *Local) Close() error {
	return l.db.Close()
}

// migrate runs idempotent schema migrations.
func (l *Local) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		jid TEXT PRIMARY KEY,
		fun TEXT NOT NULL,
		args TEXT,
		target TEXT NOT NULL,
		minions TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS returns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		jid TEXT NOT NULL,
		minion_id TEXT NOT NULL,
		return_json TEXT,
		error TEXT,
		retcode INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1,
		received_at DATETIME NOT NULL,
		UNIQUE(jid, minion_id)
	);

	CREATE INDEX IF NOT EXISTS idx_returns_jid ON returns(jid);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Record inserts the job row at submit time.
func (l *Local) Record(ctx context.Context, rec *types.JobRecord) error {
	args, err := util.MarshalString(rec.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	target, err := util.MarshalString(rec.Target)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}
	minions, err := util.MarshalString(rec.Minions)
	if err != nil {
		return fmt.Errorf("encode minions: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO jobs (jid, fun, args, target, minions, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Fun, args, target, minions, string(rec.Status), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// AppendResult stores one reply. The (jid, minion) unique constraint makes
// appends idempotent: a second reply from the same minion is ignored here,
// the dispatcher has already logged and dropped it.
func (l *Local) AppendResult(ctx context.Context, jobID string, reply *types.Reply) error {
	ret, err := util.MarshalString(reply.Return)
	if err != nil {
		return fmt.Errorf("encode return: %w", err)
	}

	received := reply.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO returns (jid, minion_id, return_json, error, retcode, success, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, reply.MinionID, ret, reply.Error, reply.Retcode, reply.Success, received.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert return: %w", err)
	}
	return nil
}

// Finalize stamps the terminal status. endedAt stays NULL unless end-time
// recording is enabled by the caller.
func (l *Local) Finalize(ctx context.Context, jobID string, status types.JobStatus, endedAt *time.Time) error {
	var ended interface{}
	if endedAt != nil {
		ended = endedAt.UTC()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, ended_at = ? WHERE jid = ?`,
		string(status), ended, jobID,
	)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrUnknownJob
	}
	return nil
}

// Query reconstructs the job report: metadata plus replies in receipt order.
// A stored-terminal job reports its stored status; an in-flight job with
// replies reports partially complete.
func (l *Local) Query(ctx context.Context, jobID string) (*types.JobReport, error) {
	rec := &types.JobRecord{JobID: jobID}
	var (
		argsJSON    string
		targetJSON  string
		minionsJSON string
		status      string
		endedAt     sql.NullTime
	)

	err := l.db.QueryRowContext(ctx,
		`SELECT fun, args, target, minions, status, created_at, ended_at FROM jobs WHERE jid = ?`,
		jobID,
	).Scan(&rec.Fun, &argsJSON, &targetJSON, &minionsJSON, &status, &rec.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	if argsJSON != "" {
		_ = util.UnmarshalString(argsJSON, &rec.Args)
	}
	if err := util.UnmarshalString(targetJSON, &rec.Target); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	if err := util.UnmarshalString(minionsJSON, &rec.Minions); err != nil {
		return nil, fmt.Errorf("decode minions: %w", err)
	}
	rec.Status = types.JobStatus(status)
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}

	replies, err := l.queryReplies(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &types.JobReport{JobRecord: *rec, Replies: replies}

	replied := make(map[string]struct{}, len(replies))
	for _, r := range replies {
		replied[r.MinionID] = struct{}{}
	}
	for _, id := range rec.Minions {
		if _, ok := replied[id]; !ok {
			report.Missing = append(report.Missing, id)
		}
	}

	if !rec.Status.Terminal() && len(replies) > 0 {
		report.Status = types.JobStatusPartiallyComplete
	}
	report.Latency = latencyFrom(rec, replies)

	return report, nil
}

func (l *Local) queryReplies(ctx context.Context, jobID string) ([]*types.Reply, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT minion_id, return_json, error, retcode, success, received_at FROM returns WHERE jid = ? ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query returns: %w", err)
	}
	defer rows.Close()

	replies := make([]*types.Reply, 0)
	for rows.Next() {
		reply := &types.Reply{JobID: jobID}
		var retJSON string
		if err := rows.Scan(&reply.MinionID, &retJSON, &reply.Error, &reply.Retcode, &reply.Success, &reply.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan return: %w", err)
		}
		if retJSON != "" {
			_ = util.UnmarshalString(retJSON, &reply.Return)
		}
		replies = append(replies, reply)
	}
	return replies, rows.Err()
}

// ListJobs returns the newest jobs first. jids sort by submission time, so
// ordering by jid is ordering by age.
func (l *Local) ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT jid, fun, target, minions, status, created_at, ended_at FROM jobs ORDER BY jid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*types.JobRecord, 0, limit)
	for rows.Next() {
		rec := &types.JobRecord{}
		var (
			targetJSON  string
			minionsJSON string
			status      string
			endedAt     sql.NullTime
		)
		if err := rows.Scan(&rec.JobID, &rec.Fun, &targetJSON, &minionsJSON, &status, &rec.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		_ = util.UnmarshalString(targetJSON, &rec.Target)
		_ = util.UnmarshalString(minionsJSON, &rec.Minions)
		rec.Status = types.JobStatus(status)
		if endedAt.Valid {
			rec.EndedAt = &endedAt.Time
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}
