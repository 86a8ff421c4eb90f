package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/middleware"
	"github.com/slashbinslashnoname/p2p-market-orders/models"
	"github.com/slashbinslashnoname/p2p-market-orders/orders"
)

// Handler serves the order API on top of the engine
type Handler struct {
	engine *orders.Engine
	now    func() time.Time
}

// NewHandler creates a Handler for engine
func NewHandler(engine *orders.Engine) *Handler {
	return &Handler{engine: engine, now: time.Now}
}

// API builds the HTTP surface of the order engine. Mutations are rate limited per user.
func API(engine *orders.Engine, jwtSecret string, mutationsPerMinute int) (*gin.Engine, error) {
	m, err := middleware.NewMid(jwtSecret)
	if err != nil {
		return nil, err
	}

	h := NewHandler(engine)
	r := gin.New()
	r.Use(middleware.Logger(), gin.Recovery())
	r.GET("/ping", HealthCheck)

	v1 := r.Group("/v1")
	v1.Use(m.Authentication())
	{
		v1.GET("/orders", h.ListOrders)
		v1.GET("/orders/:id", h.GetOrder)
		v1.GET("/orders/:id/events", h.OrderEvents)
		v1.GET("/sellers/:id/blocked", h.SellerBlocked)
	}

	mutations := v1.Group("")
	mutations.Use(middleware.RateLimit(mutationsPerMinute))
	{
		mutations.POST("/orders", h.CreateOrder)
		mutations.POST("/orders/:id/proof", h.SubmitProof)
		mutations.POST("/orders/:id/confirm-payment", h.ConfirmPayment)
		mutations.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
		mutations.POST("/orders/:id/dispute", h.OpenDispute)
	}
	return r, nil
}

// HealthCheck reports that the service is up
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

// orderView adds human readable deadlines to an order
type orderView struct {
	models.Order
	ReminderIn    string `json:"reminder_in,omitempty"`
	AutoDisputeIn string `json:"auto_dispute_in,omitempty"`
}

func (h *Handler) view(o *models.Order) orderView {
	v := orderView{Order: *o}
	if o.Status == models.StatusProofSent {
		now := h.now()
		if o.ReminderAt != nil && o.ReminderSentAt == nil {
			v.ReminderIn = orders.FormatRemainingTimeAt(*o.ReminderAt, now)
		}
		if o.AutoDisputeAt != nil {
			v.AutoDisputeIn = orders.FormatRemainingTimeAt(*o.AutoDisputeAt, now)
		}
	}
	return v
}

// respondError translates engine errors into HTTP responses
func respondError(c *gin.Context, err error) {
	traceID := middleware.TraceID(c)
	kind := orders.KindOf(err)

	var code int
	switch kind {
	case orders.KindValidation:
		code = http.StatusBadRequest
	case orders.KindNotFound:
		code = http.StatusNotFound
	case orders.KindTransition, orders.KindConflict:
		code = http.StatusConflict
	default:
		slog.Error("request failed", slog.String(logkey.TraceID, traceID), slog.String(logkey.Error, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError), "kind": orders.KindInternal})
		return
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	if status := orders.StatusOf(err); status != "" {
		body["status"] = status
	}
	slog.Info("request rejected", slog.String(logkey.TraceID, traceID), slog.String(logkey.Kind, string(kind)), slog.String(logkey.Error, err.Error()))
	c.AbortWithStatusJSON(code, body)
}
