package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cadence/internal/engine/pattern"
	"cadence/internal/engine/recurrence"
	"cadence/internal/engine/tz"
	"cadence/internal/engine/window"
	logx "cadence/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store at cfg.Path, applying migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Job claims ----

func (s *sqliteStore) TryClaim(ctx context.Context, key string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if key == "" {
		return false, errors.New("claim key is required")
	}
	if at.IsZero() {
		at = time.Now()
	}
	// Single conditional write. The races lose cleanly: RowsAffected==0.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_claims(key, claimed_at) VALUES(?,?)`,
		key, at.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetClaim(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT claimed_at FROM job_claims WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// ---- Challenges ----

func (s *sqliteStore) CreateChallenge(ctx context.Context, c Challenge) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	status := c.Status
	if status == "" {
		status = window.StatusUpcoming
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges(group_id, title, start_date, end_date, status) VALUES(?,?,?,?,?)`,
		c.GroupID, c.Title, nullDate(c.StartDate), nullDate(c.EndDate), string(status),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) AddChallengeMember(ctx context.Context, challengeID, userID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO challenge_members(challenge_id, user_id) VALUES(?,?)`,
		challengeID, userID,
	)
	if err != nil {
		return err
	}
	// Membership also counts toward the owning group.
	var groupID int64
	if err := s.db.QueryRowContext(ctx, `SELECT group_id FROM challenges WHERE id = ?`, challengeID).Scan(&groupID); err == nil {
		_, _ = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members(group_id, user_id) VALUES(?,?)`,
			groupID, userID,
		)
	}
	return nil
}

func (s *sqliteStore) ChallengeMemberIDs(ctx context.Context, challengeID int64) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM challenge_members WHERE challenge_id = ? ORDER BY user_id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *sqliteStore) ListChallengesByStatus(ctx context.Context, statuses ...window.Status) ([]Challenge, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	q := `SELECT id, group_id, title, start_date, end_date, status FROM challenges
	      WHERE status IN (` + strings.Join(ph, ",") + `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetChallenge(ctx context.Context, id int64) (Challenge, bool, error) {
	if s == nil || s.db == nil {
		return Challenge{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, title, start_date, end_date, status FROM challenges WHERE id = ?`, id)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Challenge{}, false, nil
	}
	if err != nil {
		return Challenge{}, false, err
	}
	return c, true, nil
}

func (s *sqliteStore) UpdateChallengeStatus(ctx context.Context, id int64, from, to window.Status) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	// Status-guarded update: a concurrent tick that already flipped the
	// row (or an external cancellation) makes this a clean no-op.
	res, err := s.db.ExecContext(ctx,
		`UPDATE challenges SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- Groups ----

func (s *sqliteStore) ListGroupIDs(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT group_id FROM group_members ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *sqliteStore) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ---- Goals, logs, patterns ----

func (s *sqliteStore) CreateGoal(ctx context.Context, g Goal) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if g.Mask != nil && !g.Mask.Valid() {
		return 0, fmt.Errorf("recurrence mask %d out of range [1,127]", *g.Mask)
	}
	tzName := g.Timezone
	if strings.TrimSpace(tzName) == "" {
		tzName = "UTC"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO goals(user_id, title, timezone, recurrence_mask, preferred_hour) VALUES(?,?,?,?,?)`,
		g.UserID, g.Title, tzName, nullMask(g.Mask), nullInt(g.PreferredHour),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListGoals(ctx context.Context) ([]Goal, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, timezone, recurrence_mask, preferred_hour FROM goals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetGoal(ctx context.Context, id int64) (Goal, bool, error) {
	if s == nil || s.db == nil {
		return Goal{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, timezone, recurrence_mask, preferred_hour FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Goal{}, false, nil
	}
	if err != nil {
		return Goal{}, false, err
	}
	return g, true, nil
}

func (s *sqliteStore) AppendGoalLog(ctx context.Context, goalID int64, loggedAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if loggedAt.IsZero() {
		loggedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goal_logs(goal_id, logged_at) VALUES(?,?)`,
		goalID, loggedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GoalLogTimes(ctx context.Context, goalID int64) ([]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT logged_at FROM goal_logs WHERE goal_id = ? ORDER BY logged_at`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, time.UnixMilli(ms).UTC())
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutPattern(ctx context.Context, goalID int64, p *pattern.Pattern) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM goal_patterns WHERE goal_id = ?`, goalID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goal_patterns(goal_id, hour_start, hour_end, sample_size, confidence, calculated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(goal_id) DO UPDATE SET
		   hour_start=excluded.hour_start, hour_end=excluded.hour_end,
		   sample_size=excluded.sample_size, confidence=excluded.confidence,
		   calculated_at=excluded.calculated_at`,
		goalID, p.HourStart, p.HourEnd, p.SampleSize, p.Confidence, p.CalculatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetPattern(ctx context.Context, goalID int64) (*pattern.Pattern, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var p pattern.Pattern
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT hour_start, hour_end, sample_size, confidence, calculated_at FROM goal_patterns WHERE goal_id = ?`,
		goalID,
	).Scan(&p.HourStart, &p.HourEnd, &p.SampleSize, &p.Confidence, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.CalculatedAt = time.UnixMilli(ms).UTC()
	return &p, true, nil
}

// ---- Push queue ----

func (s *sqliteStore) EnqueuePush(ctx context.Context, p Push) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if p.Kind == "" || p.ResourceID == "" {
		return false, errors.New("push kind and resource id are required")
	}
	if p.FireAt.IsZero() {
		p.FireAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO push_queue(kind, user_id, resource_id, title, body, fire_at, status)
		 VALUES(?,?,?,?,?,?,?)`,
		p.Kind, p.UserID, p.ResourceID, p.Title, p.Body, p.FireAt.UnixMilli(), PushPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) DuePushes(ctx context.Context, now time.Time, limit int) ([]Push, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, user_id, resource_id, title, body, fire_at, status, attempts, COALESCE(last_error, '')
		 FROM push_queue WHERE status = ? AND fire_at <= ? ORDER BY fire_at LIMIT ?`,
		PushPending, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Push
	for rows.Next() {
		var p Push
		var ms int64
		if err := rows.Scan(&p.ID, &p.Kind, &p.UserID, &p.ResourceID, &p.Title, &p.Body, &ms, &p.Status, &p.Attempts, &p.LastError); err != nil {
			return nil, err
		}
		p.FireAt = time.UnixMilli(ms).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkPushSent(ctx context.Context, id int64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_queue SET status = ?, attempts = attempts + 1, sent_at = ?, last_error = NULL
		 WHERE id = ? AND status = ?`,
		PushSent, at.UnixMilli(), id, PushPending,
	)
	return err
}

func (s *sqliteStore) MarkPushFailed(ctx context.Context, id int64, errMsg string, retryAt time.Time, final bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if final {
		_, err := s.db.ExecContext(ctx,
			`UPDATE push_queue SET status = ?, attempts = attempts + 1, last_error = ?
			 WHERE id = ? AND status = ?`,
			PushFailed, nullStr(errMsg), id, PushPending,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_queue SET attempts = attempts + 1, last_error = ?, fire_at = ?
		 WHERE id = ? AND status = ?`,
		nullStr(errMsg), retryAt.UnixMilli(), id, PushPending,
	)
	return err
}

// ---- Job runs ----

func (s *sqliteStore) AppendJobRun(ctx context.Context, e JobRun) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(run_id, job, at, activated, completed, claimed, queued, errors, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.RunID, e.Job, e.At.Format(time.RFC3339Nano),
		e.Activated, e.Completed, e.Claimed, e.Queued, e.Errors, e.TookMS, nullStr(e.Error),
	)
	return err
}

// ---- scan/null helpers ----

type rowScanner interface{ Scan(dest ...any) error }

func scanChallenge(r rowScanner) (Challenge, error) {
	var c Challenge
	var start, end sql.NullString
	var status string
	if err := r.Scan(&c.ID, &c.GroupID, &c.Title, &start, &end, &status); err != nil {
		return Challenge{}, err
	}
	c.Status = window.Status(status)
	var err error
	if c.StartDate, err = parseNullDate(start); err != nil {
		return Challenge{}, err
	}
	if c.EndDate, err = parseNullDate(end); err != nil {
		return Challenge{}, err
	}
	return c, nil
}

func scanGoal(r rowScanner) (Goal, error) {
	var g Goal
	var mask, hour sql.NullInt64
	if err := r.Scan(&g.ID, &g.UserID, &g.Title, &g.Timezone, &mask, &hour); err != nil {
		return Goal{}, err
	}
	if mask.Valid {
		m := recurrence.Mask(mask.Int64)
		g.Mask = &m
	}
	if hour.Valid {
		h := int(hour.Int64)
		g.PreferredHour = &h
	}
	return g, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func parseNullDate(v sql.NullString) (*tz.Date, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	d, err := tz.ParseDate(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullDate(d *tz.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullMask(m *recurrence.Mask) any {
	if m == nil {
		return nil
	}
	return int64(*m)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
