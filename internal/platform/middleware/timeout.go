package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/snapshot/internal/platform/fhir"
)

// RequestTimeout bounds the whole request, including every upstream call a
// snapshot makes. When the deadline passes first, a 504 OperationOutcome is
// returned.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				// Wait for the handler so it never writes after us.
				err := <-done
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return err
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
					fhir.IssueSeverityError,
					fhir.IssueTypeTimeout,
					"request processing exceeded the allowed time limit",
				))
			}
		}
	}
}
