package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLite implements the Storage interface using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) GetAreaState(ctx context.Context, areaCode string) (*model.AreaState, error) {
	var (
		advisory, warning, emergency string
		report                       int64
		updatedAt                    time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT advisory, warning, emergency, report_time, updated_at
		 FROM area_states WHERE area_code = ?`, areaCode,
	).Scan(&advisory, &warning, &emergency, &report, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewAreaState(areaCode), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get area state: %w", err)
	}

	st, err := decodeState(areaCode, advisory, warning, emergency, report, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("decode area state %s: %w", areaCode, err)
	}
	return st, nil
}

func (s *SQLite) PutAreaState(ctx context.Context, state *model.AreaState) error {
	if state.AreaCode == "" {
		return errors.New("put area state: missing area code")
	}
	state.UpdatedAt = time.Now().UTC()
	advisory, warning, emergency := encodeState(state)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO area_states (area_code, advisory, warning, emergency, report_time, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(area_code) DO UPDATE SET
		   advisory = excluded.advisory,
		   warning = excluded.warning,
		   emergency = excluded.emergency,
		   report_time = excluded.report_time,
		   updated_at = excluded.updated_at`,
		state.AreaCode, advisory, warning, emergency, reportUnix(state.ReportTime), state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put area state: %w", err)
	}
	return nil
}

func (s *SQLite) ListAreaStates(ctx context.Context) ([]model.AreaState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT area_code, advisory, warning, emergency, report_time, updated_at
		 FROM area_states ORDER BY area_code`)
	if err != nil {
		return nil, fmt.Errorf("list area states: %w", err)
	}
	defer rows.Close()

	var states []model.AreaState
	for rows.Next() {
		var (
			code, advisory, warning, emergency string
			report                             int64
			updatedAt                          time.Time
		)
		if err := rows.Scan(&code, &advisory, &warning, &emergency, &report, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan area state row: %w", err)
		}
		st, err := decodeState(code, advisory, warning, emergency, report, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("decode area state %s: %w", code, err)
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func (s *SQLite) DeleteAreaState(ctx context.Context, areaCode string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM area_states WHERE area_code = ?`, areaCode)
	if err != nil {
		return fmt.Errorf("delete area state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("area %q not found", areaCode)
	}
	return nil
}

func (s *SQLite) GetFeedMark(ctx context.Context, feedURL string) (time.Time, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_modified FROM feed_marks WHERE feed_url = ?`, feedURL,
	).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get feed mark: %w", err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (s *SQLite) PutFeedMark(ctx context.Context, feedURL string, lastModified time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_marks (feed_url, last_modified, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(feed_url) DO UPDATE SET
		   last_modified = excluded.last_modified,
		   updated_at = excluded.updated_at`,
		feedURL, lastModified.Unix(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put feed mark: %w", err)
	}
	return nil
}

func (s *SQLite) RecordDelivery(ctx context.Context, d *model.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, run_id, account, area_code, tier, lang, text, attempts, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.Account, d.AreaCode, d.Tier.String(), string(d.Lang),
		d.Text, d.Attempts, string(d.Status), d.Error, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *SQLite) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error) {
	query := `SELECT id, run_id, account, area_code, tier, lang, text, attempts, status, error, created_at FROM deliveries`
	where, args := buildWhereClause(filter, func(int) string { return "?" })
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		var (
			d                  model.Delivery
			tier, lang, status string
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.Account, &d.AreaCode, &tier, &lang,
			&d.Text, &d.Attempts, &status, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery row: %w", err)
		}
		if d.Tier, err = model.ParseTier(tier); err != nil {
			return nil, fmt.Errorf("delivery %s: %w", d.ID, err)
		}
		d.Lang = model.Lang(lang)
		d.Status = model.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// buildWhereClause constructs a SQL WHERE clause from a DeliveryFilter.
// placeholder renders the n-th (1-based) bind parameter for the dialect.
func buildWhereClause(filter model.DeliveryFilter, placeholder func(n int) string) (string, []any) {
	var conditions []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, cond+" "+placeholder(len(args)))
	}

	if filter.Account != "" {
		add("account =", filter.Account)
	}
	if filter.AreaCode != "" {
		add("area_code =", filter.AreaCode)
	}
	if filter.Status != "" {
		add("status =", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("created_at >=", filter.Since)
	}

	return strings.Join(conditions, " AND "), args
}
