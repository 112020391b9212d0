package storage

import "context"

// Truncate empties a table between test runs.
func (p *Postgres) Truncate(ctx context.Context, table string) error {
	_, err := p.pool.Exec(ctx, "TRUNCATE "+table)
	return err
}
