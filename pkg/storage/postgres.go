package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgMigrations = []string{
	`CREATE TABLE IF NOT EXISTS area_states (
		area_code   TEXT PRIMARY KEY,
		advisory    TEXT NOT NULL DEFAULT '',
		warning     TEXT NOT NULL DEFAULT '',
		emergency   TEXT NOT NULL DEFAULT '',
		report_time BIGINT NOT NULL DEFAULT 0,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS feed_marks (
		feed_url      TEXT PRIMARY KEY,
		last_modified BIGINT NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		account    TEXT NOT NULL,
		area_code  TEXT NOT NULL,
		tier       TEXT NOT NULL,
		lang       TEXT NOT NULL,
		text       TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL CHECK(status IN ('sent', 'failed')),
		error      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_account ON deliveries(account);
	CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at);`,
}

// Postgres implements the Storage interface on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and applies pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current int
	if err := p.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := current; i < len(pgMigrations); i++ {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(ctx, pgMigrations[i]); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", i+1); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (p *Postgres) GetAreaState(ctx context.Context, areaCode string) (*model.AreaState, error) {
	var (
		advisory, warning, emergency string
		report                       int64
		updatedAt                    time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT advisory, warning, emergency, report_time, updated_at
		 FROM area_states WHERE area_code = $1`, areaCode,
	).Scan(&advisory, &warning, &emergency, &report, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *Postgres) PutAreaState(ctx context.Context, state *model.AreaState) error {
	if state.AreaCode == "" {
		return errors.New("put area state: missing area code")
	}
	state.UpdatedAt = time.Now().UTC()
	advisory, warning, emergency := encodeState(state)

	_, err := p.pool.Exec(ctx,
		`INSERT INTO area_states (area_code, advisory, warning, emergency, report_time, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (area_code) DO UPDATE SET
		   advisory = EXCLUDED.advisory,
		   warning = EXCLUDED.warning,
		   emergency = EXCLUDED.emergency,
		   report_time = EXCLUDED.report_time,
		   updated_at = EXCLUDED.updated_at`,
		state.AreaCode, advisory, warning, emergency, reportUnix(state.ReportTime), state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put area state: %w", err)
	}
	return nil
}

func (p *Postgres) ListAreaStates(ctx context.Context) ([]model.AreaState, error) {
	rows, err := p.pool.Query(ctx,
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

func (p *Postgres) DeleteAreaState(ctx context.Context, areaCode string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM area_states WHERE area_code = $1`, areaCode)
	if err != nil {
		return fmt.Errorf("delete area state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("area %q not found", areaCode)
	}
	return nil
}

func (p *Postgres) GetFeedMark(ctx context.Context, feedURL string) (time.Time, error) {
	var unix int64
	err := p.pool.QueryRow(ctx, `SELECT last_modified FROM feed_marks WHERE feed_url = $1`, feedURL).Scan(&unix)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get feed mark: %w", err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (p *Postgres) PutFeedMark(ctx context.Context, feedURL string, lastModified time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO feed_marks (feed_url, last_modified, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (feed_url) DO UPDATE SET
		   last_modified = EXCLUDED.last_modified,
		   updated_at = EXCLUDED.updated_at`,
		feedURL, lastModified.Unix(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put feed mark: %w", err)
	}
	return nil
}

func (p *Postgres) RecordDelivery(ctx context.Context, d *model.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO deliveries (id, run_id, account, area_code, tier, lang, text, attempts, status, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.RunID, d.Account, d.AreaCode, d.Tier.String(), string(d.Lang),
		d.Text, d.Attempts, string(d.Status), d.Error, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (p *Postgres) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error) {
	query := `SELECT id, run_id, account, area_code, tier, lang, text, attempts, status, error, created_at FROM deliveries`
	where, args := buildWhereClause(filter, func(n int) string { return fmt.Sprintf("$%d", n) })
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
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

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
