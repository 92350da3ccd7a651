package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/foxzi/mailgate/internal/abuse"
)

// BlockedRequestRepository implements abuse.AuditStore on a SQL database
type BlockedRequestRepository struct {
	conn *sqlx.DB
}

// NewBlockedRequestRepository creates a blocked request repository
func NewBlockedRequestRepository(db *Database) *BlockedRequestRepository {
	return &BlockedRequestRepository{conn: db.conn}
}

type blockedRow struct {
	abuse.BlockedRequest
	Reasons string `db:"reasons"`
}

// Record inserts a blocked request. Rows are never updated.
func (r *BlockedRequestRepository) Record(ctx context.Context, req *abuse.BlockedRequest) error {
	reasons := req.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	data, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	_, err = r.conn.ExecContext(ctx, r.conn.Rebind(`INSERT INTO blocked_requests
		(id, form, ip, user_agent, score, reasons, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ID, req.Form, req.IP, req.UserAgent, req.Score, string(data), req.Payload, req.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert blocked request: %w", err)
	}
	return nil
}

// List returns blocked requests newest first
func (r *BlockedRequestRepository) List(ctx context.Context, filter abuse.BlockedFilter) ([]*abuse.BlockedRequest, error) {
	query := `SELECT id, form, ip, user_agent, score, reasons, payload, created_at FROM blocked_requests`

	var (
		where []string
		args  []any
	)
	if filter.Form != "" {
		where = append(where, "form = ?")
		args = append(args, filter.Form)
	}
	if filter.IP != "" {
		where = append(where, "ip = ?")
		args = append(args, filter.IP)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	var rows []blockedRow
	if err := r.conn.SelectContext(ctx, &rows, r.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list blocked requests: %w", err)
	}

	out := make([]*abuse.BlockedRequest, 0, len(rows))
	for i := range rows {
		req := rows[i].BlockedRequest
		if err := json.Unmarshal([]byte(rows[i].Reasons), &req.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons of %s: %w", req.ID, err)
		}
		req.CreatedAt = req.CreatedAt.UTC()
		out = append(out, &req)
	}
	return out, nil
}
