package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/allergoexpress/immunolab/internal/platform/auth"
)

// Context keys handlers set so the audit entry can name the result touched.
const (
	AuditOrderIDKey    = "result_order_id"
	AuditLookupModeKey = "result_lookup_mode"
)

// AuditEntry is one access to a lab result. Birth dates and phone numbers
// never appear here.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Action     string // lookup, publish, staff_read
	LookupMode string
	OrderID    string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request that reads or writes a result. Entries always go
// to the structured log with type=result_access; recorders get a copy too.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			action := auditAction(req.Method, path)
			if action == "" {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Action:     action,
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
			}
			if err != nil {
				entry.StatusCode = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				}
			}

			// Per-route auth runs inside this middleware and swaps the request,
			// so the identity is only visible on the current one.
			ctx := c.Request().Context()
			entry.UserID = auth.UserIDFromContext(ctx)
			entry.UserRoles = auth.RolesFromContext(ctx)

			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			entry.OrderID, _ = c.Get(AuditOrderIDKey).(string)
			entry.LookupMode, _ = c.Get(AuditLookupModeKey).(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusNotFound && action == "lookup" {
				evt = logger.Warn()
			}
			evt.
				Str("type", "result_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("lookup_mode", entry.LookupMode).
				Str("order_id", entry.OrderID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("result_access")

			return err
		}
	}
}

// auditAction classifies a request, returning "" for paths that do not
// touch results.
func auditAction(method, path string) string {
	p := strings.TrimPrefix(path, "/api")
	switch {
	case p == "/get-result" && method == http.MethodGet:
		return "lookup"
	case p == "/add-result" && method == http.MethodPost:
		return "publish"
	case strings.HasPrefix(p, "/v1/admin/results"):
		return "staff_read"
	default:
		return ""
	}
}
