package middleware

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
)

// InitSentry configures the global Sentry client. With an empty DSN it does
// nothing and captures become no-ops. The returned func flushes pending events.
func InitSentry(dsn, environment, release string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return func() {}, fmt.Errorf("sentry init: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// captureError reports err to Sentry tagged with the request details.
// Birth dates and phones travel in the query string, so it is left out.
func captureError(c echo.Context, err error) {
	hub := sentry.CurrentHub()
	if hub.Client() == nil {
		return
	}
	hub = hub.Clone()
	req := c.Request()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		if rid, ok := c.Get("request_id").(string); ok {
			scope.SetTag("request_id", rid)
		}
		scope.SetTag("method", req.Method)
		scope.SetTag("path", req.URL.Path)
	})
	hub.CaptureException(err)
}
