// README: Order handlers for requesters and support staff.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"roadside/internal/modules/order"
	"roadside/internal/modules/pricing"
	"roadside/internal/types"
)

type OrderHandler struct {
	order   *order.Service
	pricing *pricing.Service
	logger  *slog.Logger
}

func NewOrderHandler(svc *order.Service, pricingSvc *pricing.Service, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{order: svc, pricing: pricingSvc, logger: logger.With("component", "order_handler")}
}

type createOrderReq struct {
	ServiceType string        `json:"serviceType" binding:"required"`
	Location    types.Point   `json:"location"`
	Address     string        `json:"address"`
	Vehicle     order.Vehicle `json:"vehicle"`
	Notes       string        `json:"notes"`
	Urgent      bool          `json:"urgent"`
	// DistanceKm is the client's estimate to the nearest depot, used for the quote.
	DistanceKm float64 `json:"distanceKm"`
	Submit     bool    `json:"submit"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleRequester)
	if !ok {
		return
	}
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	ctx := c.Request.Context()

	quote, err := h.pricing.Estimate(ctx, pricing.EstimateRequest{
		ServiceType: req.ServiceType,
		DistanceKm:  req.DistanceKm,
		RequestTime: time.Now(),
		Urgent:      req.Urgent,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	total := types.Money{Amount: quote.TotalAmount, Currency: quote.Currency}

	o, err := h.order.Create(ctx, actor.ID, order.CreatePayload{
		ServiceType: req.ServiceType,
		Location:    req.Location,
		Address:     req.Address,
		Vehicle:     req.Vehicle,
		Notes:       req.Notes,
		Urgent:      req.Urgent,
		Total:       total,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if err := h.pricing.SetTotal(ctx, o.ID, total); err != nil {
		// The order carries its own snapshot of the total.
		h.logger.WarnContext(ctx, "store order total", "order_id", o.ID, "error", err)
	}
	if req.Submit {
		if o, err = h.order.Submit(ctx, o.ID, actor); err != nil {
			writeOrderError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusCreated, gin.H{"order": o, "breakdown": quote.Breakdown})
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if !canView(caller(c), o, time.Now()) {
		writeError(c, http.StatusForbidden, order.ErrNotOwner.Error())
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func canView(a order.Actor, o *order.Order, now time.Time) bool {
	switch a.Role {
	case order.RoleSupport, order.RoleSystem:
		return true
	case order.RoleExecutor:
		if o.HeldBy(a.ID) {
			return true
		}
		_, live := o.Search.LiveOffer(a.ID, now)
		return live
	}
	return o.RequesterID == a.ID
}

func (h *OrderHandler) Submit(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	actor, ok := requireRole(c, order.RoleRequester)
	if !ok {
		return
	}
	o, err := h.order.Submit(c.Request.Context(), id, actor)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	o, decision, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID: id,
		Actor:   caller(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"order":      o,
		"penalty":    decision.Penalty,
		"reasonCode": decision.ReasonCode,
	})
}

// transitionRoles lists who may ask for each target status besides
// support and system staff.
var transitionRoles = func() map[order.Status][]order.ActorRole {
	staff := []order.ActorRole{order.RoleSupport, order.RoleSystem}
	m := map[order.Status][]order.ActorRole{
		order.StatusSearching:  {order.RoleRequester},
		order.StatusAccepted:   {order.RoleExecutor},
		order.StatusEnRoute:    {order.RoleExecutor},
		order.StatusArrived:    {order.RoleExecutor},
		order.StatusInProgress: {order.RoleExecutor},
		order.StatusCompleted:  {order.RoleExecutor},
		order.StatusFailed:     {order.RoleExecutor},
		order.StatusOnHold:     {order.RoleExecutor},
		order.StatusDisputed:   {order.RoleRequester, order.RoleExecutor},
		order.StatusCancelled:  {order.RoleRequester, order.RoleExecutor},
	}
	for _, st := range order.AllStatuses {
		m[st] = append(m[st], staff...)
	}
	return m
}()

type transitionReq struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// Transition moves an order along the lifecycle on behalf of the caller.
// Holds, disputes and failures carry a reason; leaving ON_HOLD or DISPUTED
// goes through the dedicated resume and resolve paths.
func (h *OrderHandler) Transition(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	to := order.Status(req.Status)
	if !to.Valid() {
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: map[string]string{"status": "unknown status"}})
		return
	}
	actor, ok := requireRole(c, transitionRoles[to]...)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cur, err := h.order.Get(ctx, id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	var o *order.Order
	switch {
	case to == order.StatusOnHold:
		o, err = h.order.Hold(ctx, id, actor, req.Reason)
	case to == order.StatusDisputed:
		o, err = h.order.Dispute(ctx, id, actor, req.Reason)
	case cur.Status == order.StatusOnHold:
		o, err = h.order.Resume(ctx, id, to, actor)
	case cur.Status == order.StatusDisputed:
		o, err = h.order.ResolveDispute(ctx, id, to, actor)
	case to == order.StatusFailed:
		o, err = h.order.Fail(ctx, id, actor, req.Reason)
	default:
		o, err = h.order.Transition(ctx, id, to, actor)
	}
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}
