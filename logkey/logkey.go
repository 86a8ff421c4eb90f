// Package logkey holds the attribute keys shared by every slog call site.
package logkey

const (
	TraceID  = "trace_id"
	Error    = "error"
	OrderID  = "order_id"
	UserID   = "user_id"
	SellerID = "seller_id"
	Status   = "status"
	Kind     = "kind"
)
