package middleware

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGAuditRecorder stores audit entries in result_access_log.
type PGAuditRecorder struct {
	db      execer
	timeout time.Duration
}

func NewPGAuditRecorder(db execer) *PGAuditRecorder {
	return &PGAuditRecorder{db: db, timeout: 2 * time.Second}
}

func (r *PGAuditRecorder) RecordAccess(e AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, err := r.db.Exec(ctx, `
		INSERT INTO result_access_log
			(accessed_at, request_id, user_id, action, lookup_mode, order_id, method, path, remote_ip, user_agent, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Timestamp, e.RequestID, nullable(e.UserID), e.Action, nullable(e.LookupMode), nullable(e.OrderID),
		e.Method, e.Path, e.IPAddress, e.UserAgent, e.StatusCode)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
