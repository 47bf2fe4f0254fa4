// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"roadside/internal/http/middleware"
	"roadside/internal/modules/guard"
	"roadside/internal/modules/order"
	"roadside/internal/modules/pricing"
	"roadside/internal/types"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// isValidID accepts the characters our generated ids use (uuid text form).
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func orderID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return types.ID(id), true
}

// caller maps the verified identity onto an order actor. Tokens without a
// role claim belong to requesters.
func caller(c *gin.Context) order.Actor {
	id := types.ID(middleware.CallerUID(c))
	switch order.ActorRole(middleware.CallerRole(c)) {
	case order.RoleExecutor:
		return order.Actor{Role: order.RoleExecutor, ID: id}
	case order.RoleSupport:
		return order.Actor{Role: order.RoleSupport, ID: id}
	case order.RoleSystem:
		return order.Actor{Role: order.RoleSystem, ID: id}
	}
	return order.Actor{Role: order.RoleRequester, ID: id}
}

func requireRole(c *gin.Context, roles ...order.ActorRole) (order.Actor, bool) {
	a := caller(c)
	for _, r := range roles {
		if a.Role == r {
			return a, true
		}
	}
	writeError(c, http.StatusForbidden, "forbidden for role "+string(a.Role))
	return a, false
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeOrderError(c *gin.Context, err error) {
	var verr *order.ValidationError
	var quota *guard.QuotaExceededError
	switch {
	case errors.As(err, &verr):
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, order.ErrValidation), errors.Is(err, pricing.ErrNoRate):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrNotOwner), errors.Is(err, order.ErrNotAssigned):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.As(err, &quota):
		writeError(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, order.ErrCancellationDenied),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrStaleTransition),
		errors.Is(err, guard.ErrCreationInProgress):
		writeError(c, http.StatusConflict, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
