package statemanager

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// OperationIDKey is the Echo context key under which the current
// request's operation id is stored.
const OperationIDKey = "operation_id"

// Middleware returns Echo middleware that tracks every request as an
// operation of the given type (e.g. "submit_message", "get_entity"),
// recording its duration and outcome in the Manager.
func (m *Manager) Middleware(operationType string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			opID := uuid.New().String()

			m.StartOperation(opID, operationType, map[string]interface{}{
				"path":   c.Path(),
				"method": c.Request().Method,
			})

			c.Set(OperationIDKey, opID)

			err := next(c)

			m.CompleteOperation(opID, err)

			return err
		}
	}
}

// GetOperationID retrieves the operation id from the Echo context.
// Returns empty string if not found.
func GetOperationID(c echo.Context) string {
	if opID, ok := c.Get(OperationIDKey).(string); ok {
		return opID
	}
	return ""
}
