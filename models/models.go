package models

import (
	"time"
)

// Status represents the lifecycle state of an order
type Status string

const (
	// StatusInitiated indicates an order created at checkout, waiting for the buyer to pay
	StatusInitiated Status = "initiated"
	// StatusProofSent indicates the buyer has declared payment and attached proof
	StatusProofSent Status = "proof_sent"
	// StatusConfirmed indicates the seller has confirmed receipt of the payment
	StatusConfirmed Status = "confirmed"
	// StatusDelivered indicates the buyer has confirmed receipt of the goods
	StatusDelivered Status = "delivered"
	// StatusDisputed indicates the order is frozen pending human review
	StatusDisputed Status = "disputed"
	// StatusCancelled is reserved for administrative cancellation
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusProofSent, StatusConfirmed, StatusDelivered, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDisputed || s == StatusCancelled
}

// DeliveryType is how the goods change hands
type DeliveryType string

const (
	DeliveryInPerson DeliveryType = "in_person"
	DeliveryShipped  DeliveryType = "delivery"
)

// Valid reports whether d is a known delivery type
func (d DeliveryType) Valid() bool {
	return d == DeliveryInPerson || d == DeliveryShipped
}

// Role is the side a user plays on an order
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// SystemActor marks transitions applied by the deadline sweeper
const SystemActor = "system"

// PaymentInfo is the seller payout channel copied into the order at checkout.
// It must not follow later profile edits.
type PaymentInfo struct {
	MethodID       string `json:"method_id"`
	RecipientPhone string `json:"recipient_phone"`
	HolderName     string `json:"holder_name"`
}

// Proof is the buyer's declared evidence of payment
type Proof struct {
	ScreenshotRef  string    `json:"screenshot_ref"`
	TransactionRef string    `json:"transaction_ref"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Order tracks one buyer/seller transaction for one product
type Order struct {
	ID       string `json:"id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`

	ProductID    string `json:"product_id"`
	ProductTitle string `json:"product_title"`
	ProductImage string `json:"product_image"`

	// Amounts are in the smallest currency unit
	ProductPrice      int64  `json:"product_price"`
	DeliveryFee       int64  `json:"delivery_fee"`
	TotalAmount       int64  `json:"total_amount"`
	PlatformFee       int64  `json:"platform_fee"`
	SellerNet         int64  `json:"seller_net"`
	CommissionPercent string `json:"commission_percent"`

	Payment      PaymentInfo  `json:"payment"`
	DeliveryType DeliveryType `json:"delivery_type"`
	Status       Status       `json:"status"`
	Proof        *Proof       `json:"proof,omitempty"`

	ReminderAt     *time.Time `json:"reminder_at,omitempty"`
	AutoDisputeAt  *time.Time `json:"auto_dispute_at,omitempty"`
	ReminderSentAt *time.Time `json:"reminder_sent_at,omitempty"`

	DisputeReason string     `json:"dispute_reason,omitempty"`
	DisputedBy    string     `json:"disputed_by,omitempty"`
	DisputedAt    *time.Time `json:"disputed_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProofSentAt *time.Time `json:"proof_sent_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Version is bumped by every successful write and guards conditional updates
	Version int64 `json:"version"`
}

// RoleOf returns the role userID plays on the order, or "" for outsiders
func (o *Order) RoleOf(userID string) Role {
	switch userID {
	case o.BuyerID:
		return RoleBuyer
	case o.SellerID:
		return RoleSeller
	}
	return ""
}

// DisputeRecord is an append-only ledger entry for human review
type DisputeRecord struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	BuyerID   string    `json:"buyer_id"`
	SellerID  string    `json:"seller_id"`
	OpenedBy  string    `json:"opened_by"`
	Reason    string    `json:"reason"`
	Automatic bool      `json:"automatic"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy so subscribers and callers never share pointers
func (o *Order) Clone() Order {
	c := *o
	if o.Proof != nil {
		p := *o.Proof
		c.Proof = &p
	}
	c.ReminderAt = cloneTime(o.ReminderAt)
	c.AutoDisputeAt = cloneTime(o.AutoDisputeAt)
	c.ReminderSentAt = cloneTime(o.ReminderSentAt)
	c.DisputedAt = cloneTime(o.DisputedAt)
	c.ProofSentAt = cloneTime(o.ProofSentAt)
	c.ConfirmedAt = cloneTime(o.ConfirmedAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
