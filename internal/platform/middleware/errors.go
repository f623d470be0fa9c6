package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorHandler renders every error that reaches echo as {"error": "..."}.
// Server errors are reported to Sentry. With exposeInternals set, a 5xx whose
// HTTPError carries an internal cause also gets a "stack" field listing the
// wrapped error chain.
func ErrorHandler(logger zerolog.Logger, exposeInternals bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := err.Error()
		var internal error

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = httpErrorMessage(he)
			internal = he.Internal
		}

		if code >= http.StatusInternalServerError {
			cause := err
			if internal != nil {
				cause = internal
			}
			captureError(c, cause)
		}

		body := map[string]string{"error": msg}
		if exposeInternals && code >= http.StatusInternalServerError && internal != nil {
			body["stack"] = errorChain(internal)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, body)
		}
		if werr != nil {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(werr).Str("request_id", rid).Msg("write error response")
		}
	}
}

func httpErrorMessage(he *echo.HTTPError) string {
	switch he.Code {
	case http.StatusNotFound:
		if he.Message == echo.ErrNotFound.Message {
			return "Not found"
		}
	case http.StatusMethodNotAllowed:
		return "Method not allowed"
	}
	if s, ok := he.Message.(string); ok {
		return s
	}
	return fmt.Sprint(he.Message)
}

func errorChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return strings.Join(lines, "\n")
}
