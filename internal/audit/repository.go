package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// Querier is the read surface of pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGRepository reads audit_logs with pgx.
type PGRepository struct {
	db Querier
}

var _ Repository = (*PGRepository)(nil)

// NewRepository constructs the repository.
func NewRepository(db Querier) *PGRepository {
	return &PGRepository{db: db}
}

const timelineSQL = `
SELECT id, occurred_at, actor_id, action, entity, entity_id, meta
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::text IS NULL OR entity = $3)
  AND ($4::text IS NULL OR entity_id = $4)
  AND ($5::text IS NULL OR action = $5)
ORDER BY occurred_at DESC, id DESC
OFFSET $6 LIMIT $7`

// Timeline returns rows newest first.
func (r *PGRepository) Timeline(ctx context.Context, q Query) ([]TimelineRow, error) {
	rows, err := r.db.Query(ctx, timelineSQL, q.From, q.To, q.Entity, q.EntityID, q.Action, q.Offset, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.ID, &row.At, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
