package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// DatabaseTransport inserts the payload as a JSONB row into the configured
// Postgres table. The table must have (payload jsonb, created_at timestamptz
// default now()) columns.
type DatabaseTransport struct {
	pool *pgxpool.Pool
}

func NewDatabaseTransport(pool *pgxpool.Pool) *DatabaseTransport {
	return &DatabaseTransport{pool: pool}
}

func (t *DatabaseTransport) Dispatch(ctx context.Context, payload map[string]any, config map[string]any) Result {
	table := configString(config, "table")
	if table == "" {
		return failure(0, "database config missing table")
	}
	// Table names cannot be bound as parameters; the schema already enforces
	// this pattern but the transport re-checks before interpolating.
	if !tableNameRe.MatchString(table) {
		return failure(0, fmt.Sprintf("invalid table name %q", table))
	}
	if t.pool == nil {
		return failure(0, "database transport has no pool")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(0, "marshal payload: "+err.Error())
	}
	q := fmt.Sprintf(`INSERT INTO %s(payload) VALUES ($1::jsonb)`, table)
	if _, err := t.pool.Exec(ctx, q, string(body)); err != nil {
		return failure(0, "insert: "+err.Error())
	}
	return Result{Success: true}
}
