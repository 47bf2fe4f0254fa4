// README: Executor handlers: offer answers, presence and location heartbeats.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"roadside/internal/modules/matching"
	"roadside/internal/modules/order"
	"roadside/internal/types"
)

// ExecutorIndex is where executors announce themselves to the candidate search.
type ExecutorIndex interface {
	UpsertExecutor(ctx context.Context, p matching.Profile) error
	UpdatePosition(ctx context.Context, executorID types.ID, pos types.Point) error
	SetStatus(ctx context.Context, executorID types.ID, status matching.ExecutorStatus) error
}

type ExecutorHandler struct {
	order *order.Service
	index ExecutorIndex
}

func NewExecutorHandler(orderSvc *order.Service, index ExecutorIndex) *ExecutorHandler {
	return &ExecutorHandler{order: orderSvc, index: index}
}

func (h *ExecutorHandler) Accept(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	actor, ok := requireRole(c, order.RoleExecutor)
	if !ok {
		return
	}
	o, err := h.order.Accept(c.Request.Context(), id, actor.ID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

type rejectReq struct {
	Reason string `json:"reason"`
}

func (h *ExecutorHandler) Reject(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	actor, ok := requireRole(c, order.RoleExecutor)
	if !ok {
		return
	}
	var req rejectReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	o, err := h.order.Reject(c.Request.Context(), id, actor.ID, req.Reason)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orderId": o.ID, "status": o.Status})
}

type registerReq struct {
	Type        string      `json:"type" binding:"required"`
	Services    []string    `json:"services" binding:"required,min=1"`
	Rating      float64     `json:"rating"`
	DeviceToken string      `json:"deviceToken"`
	Position    types.Point `json:"position"`
}

// Register puts the calling executor on shift.
func (h *ExecutorHandler) Register(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleExecutor)
	if !ok {
		return
	}
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := req.Position.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	err := h.index.UpsertExecutor(c.Request.Context(), matching.Profile{
		ExecutorID:  actor.ID,
		Type:        req.Type,
		Services:    req.Services,
		Rating:      req.Rating,
		DeviceToken: req.DeviceToken,
		Position:    req.Position,
	})
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ExecutorHandler) UpdateLocation(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleExecutor)
	if !ok {
		return
	}
	var pos types.Point
	if err := c.ShouldBindJSON(&pos); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := pos.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.index.UpdatePosition(c.Request.Context(), actor.ID, pos); err != nil {
		writeError(c, http.StatusNotFound, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *ExecutorHandler) SetStatus(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleExecutor)
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	st := matching.ExecutorStatus(req.Status)
	if st != matching.ExecutorAvailable && st != matching.ExecutorOffline {
		writeError(c, http.StatusBadRequest, "status must be available or offline")
		return
	}
	if err := h.index.SetStatus(c.Request.Context(), actor.ID, st); err != nil {
		writeError(c, http.StatusNotFound, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}
