package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/middleware"
	"github.com/slashbinslashnoname/p2p-market-orders/models"
	"github.com/slashbinslashnoname/p2p-market-orders/orders"
)

const eventBuffer = 8

type disputeRequest struct {
	Reason string `json:"reason"`
}

func badJSON(c *gin.Context, err error) {
	slog.Error("json validation error", slog.String(logkey.TraceID, middleware.TraceID(c)), slog.String(logkey.Error, err.Error()))
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload", "kind": orders.KindValidation})
}

// CreateOrder opens an order with the caller as buyer
func (h *Handler) CreateOrder(c *gin.Context) {
	var p orders.CreateOrderParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badJSON(c, err)
		return
	}
	p.BuyerID = middleware.UserID(c)

	o, err := h.engine.CreateOrder(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(o))
}

// ListOrders lists the caller's orders for the role given in ?role=, buyer by default
func (h *Handler) ListOrders(c *gin.Context) {
	role := models.Role(c.DefaultQuery("role", string(models.RoleBuyer)))
	list, err := h.engine.ListOrders(c.Request.Context(), middleware.UserID(c), role)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]orderView, 0, len(list))
	for i := range list {
		views = append(views, h.view(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

// GetOrder returns one order to one of its parties
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.engine.GetOrder(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(o))
}

// SubmitProof records the buyer's proof of payment
func (h *Handler) SubmitProof(c *gin.Context) {
	var in orders.ProofInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badJSON(c, err)
		return
	}
	o, err := h.engine.SubmitProof(c.Request.Context(), middleware.UserID(c), c.Param("id"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(o))
}

// ConfirmPayment is the seller confirming the payment was received
func (h *Handler) ConfirmPayment(c *gin.Context) {
	o, err := h.engine.ConfirmPaymentReceived(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(o))
}

// ConfirmDelivery is the buyer confirming the goods were received
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	o, err := h.engine.ConfirmDelivery(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(o))
}

// OpenDispute freezes the order for review with the reason in the body
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	o, err := h.engine.OpenOrderDispute(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(o))
}

// SellerBlocked reports whether a seller has an open dispute
func (h *Handler) SellerBlocked(c *gin.Context) {
	sellerID := c.Param("id")
	blocked, err := h.engine.IsSellerBlocked(c.Request.Context(), sellerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seller_id": sellerID, "blocked": blocked})
}

// OrderEvents streams the order as server-sent events: the current state
// first, then every committed change until the client disconnects.
func (h *Handler) OrderEvents(c *gin.Context) {
	ctx := c.Request.Context()
	actor := middleware.UserID(c)
	id := c.Param("id")

	updates := make(chan models.Order, eventBuffer)
	stop, err := h.engine.WatchOrder(ctx, actor, id, func(o models.Order) {
		select {
		case updates <- o:
		default:
			slog.Warn("event stream too slow, dropping update", slog.String(logkey.OrderID, o.ID))
		}
	})
	if err != nil {
		respondError(c, err)
		return
	}
	defer stop()

	o, err := h.engine.GetOrder(ctx, actor, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.SSEvent("order", h.view(o))
	c.Writer.Flush()
	if o.Status.Terminal() {
		return
	}
	c.Stream(func(w io.Writer) bool {
		select {
		case o := <-updates:
			c.SSEvent("order", h.view(&o))
			return !o.Status.Terminal()
		case <-ctx.Done():
			return false
		}
	})
}
