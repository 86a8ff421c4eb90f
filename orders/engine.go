// Package orders owns the order lifecycle: every status transition, its
// guards, deadlines and dispute escalation. All writes go through a
// conditional update on the store so racing actors cannot both win.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/slashbinslashnoname/p2p-market-orders/db"
	"github.com/slashbinslashnoname/p2p-market-orders/fees"
	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/models"
	"github.com/slashbinslashnoname/p2p-market-orders/notify"
)

const (
	DefaultReminderAfter    = 6 * time.Hour
	DefaultAutoDisputeAfter = 24 * time.Hour

	// AutoDisputeReason is recorded when the sweeper escalates an unconfirmed payment
	AutoDisputeReason = "24h timeout"

	completionTimeout = 30 * time.Second
)

// Store persists orders. *db.Database implements it.
type Store interface {
	CreateOrder(ctx context.Context, o *models.Order) (string, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order, expected models.Status) error
	ListOrdersByParty(ctx context.Context, userID string, role models.Role) ([]models.Order, error)
	ListOrdersBySellerStatus(ctx context.Context, sellerID string, status models.Status) ([]models.Order, error)
	ListSellersWithStatus(ctx context.Context, status models.Status) ([]string, error)
	CountOrdersBySellerStatus(ctx context.Context, sellerID string, status models.Status) (int, error)
	Subscribe(f db.Filter, fn func(models.Order)) (unsubscribe func())
}

// Ledger receives dispute records for human review
type Ledger interface {
	AppendDispute(ctx context.Context, rec models.DisputeRecord) error
}

// DisputeWriter is a Ledger that can store the disputed order and its ledger
// entry atomically. *db.Database implements it.
type DisputeWriter interface {
	Ledger
	DisputeOrder(ctx context.Context, o *models.Order, expected models.Status, rec models.DisputeRecord) error
}

// Notifier queues notification intents without blocking
type Notifier interface {
	Enqueue(intents ...notify.Intent)
}

// CompletionHook is told when an order is delivered
type CompletionHook interface {
	OrderCompleted(ctx context.Context, o models.Order) error
}

// Engine applies order transitions
type Engine struct {
	store    Store
	ledger   Ledger
	notifier Notifier
	hook     CompletionHook
	validate *validator.Validate

	now              func() time.Time
	reminderAfter    time.Duration
	autoDisputeAfter time.Duration

	mu   sync.RWMutex
	fees fees.Calculator
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDeadlines sets how long after proof submission the reminder and the auto-dispute fire
func WithDeadlines(reminderAfter, autoDisputeAfter time.Duration) Option {
	return func(e *Engine) {
		e.reminderAfter = reminderAfter
		e.autoDisputeAfter = autoDisputeAfter
	}
}

// WithCompletionHook registers the hook called after delivery
func WithCompletionHook(h CompletionHook) Option {
	return func(e *Engine) { e.hook = h }
}

// NewEngine creates an engine charging commission through calc
func NewEngine(store Store, ledger Ledger, notifier Notifier, calc fees.Calculator, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		ledger:           ledger,
		notifier:         notifier,
		validate:         newValidator(),
		now:              time.Now,
		reminderAfter:    DefaultReminderAfter,
		autoDisputeAfter: DefaultAutoDisputeAfter,
		fees:             calc,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetCommissionPercent changes the commission charged on orders created from now on
func (e *Engine) SetCommissionPercent(percent string) error {
	calc, err := fees.New(percent)
	if err != nil {
		return validationErr("SetCommissionPercent", "", "%v", err)
	}
	e.mu.Lock()
	e.fees = calc
	e.mu.Unlock()
	return nil
}

// CommissionPercent returns the commission currently charged on new orders
func (e *Engine) CommissionPercent() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fees.Percent()
}

// CreateOrderParams is the checkout output used to open an order
type CreateOrderParams struct {
	BuyerID      string              `json:"buyer_id" validate:"required"`
	SellerID     string              `json:"seller_id" validate:"required,nefield=BuyerID"`
	ProductID    string              `json:"product_id" validate:"required"`
	ProductTitle string              `json:"product_title" validate:"required"`
	ProductImage string              `json:"product_image"`
	Price        int64               `json:"price" validate:"gt=0"`
	DeliveryFee  int64               `json:"delivery_fee" validate:"gte=0"`
	DeliveryType models.DeliveryType `json:"delivery_type" validate:"required,oneof=in_person delivery"`

	PaymentMethodID string `json:"payment_method_id" validate:"required"`
	RecipientPhone  string `json:"recipient_phone" validate:"required"`
	HolderName      string `json:"holder_name" validate:"required"`
}

// ProofInput is the buyer's declared evidence of payment
type ProofInput struct {
	ScreenshotRef  string `json:"screenshot_ref" validate:"required"`
	TransactionRef string `json:"transaction_ref" validate:"required"`
}

// CreateOrder opens an order in initiated and snapshots its fee split
func (e *Engine) CreateOrder(ctx context.Context, p CreateOrderParams) (*models.Order, error) {
	const op = "CreateOrder"
	if err := e.validate.Struct(p); err != nil {
		return nil, &Error{Op: op, Kind: KindValidation, Err: describeValidation(err)}
	}
	if p.Price > math.MaxInt64-p.DeliveryFee {
		return nil, validationErr(op, "", "price plus delivery_fee exceeds the maximum amount")
	}

	e.mu.RLock()
	calc := e.fees
	e.mu.RUnlock()
	platformFee, sellerNet := calc.Split(p.Price)

	o := &models.Order{
		BuyerID:           p.BuyerID,
		SellerID:          p.SellerID,
		ProductID:         p.ProductID,
		ProductTitle:      p.ProductTitle,
		ProductImage:      p.ProductImage,
		ProductPrice:      p.Price,
		DeliveryFee:       p.DeliveryFee,
		TotalAmount:       p.Price + p.DeliveryFee,
		PlatformFee:       platformFee,
		SellerNet:         sellerNet,
		CommissionPercent: calc.Percent(),
		Payment: models.PaymentInfo{
			MethodID:       p.PaymentMethodID,
			RecipientPhone: p.RecipientPhone,
			HolderName:     p.HolderName,
		},
		DeliveryType: p.DeliveryType,
		Status:       models.StatusInitiated,
		CreatedAt:    e.now().UTC(),
	}
	if _, err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, &Error{Op: op, Kind: KindInternal, Err: err}
	}

	slog.InfoContext(ctx, "order created",
		slog.String(logkey.OrderID, o.ID),
		slog.String(logkey.UserID, o.BuyerID),
		slog.String(logkey.SellerID, o.SellerID))
	e.notifier.Enqueue(notify.OrderCreated(o)...)
	return o, nil
}

// SubmitProof records the buyer's payment proof and starts the seller's deadlines
func (e *Engine) SubmitProof(ctx context.Context, actor, id string, in ProofInput) (*models.Order, error) {
	const op = "SubmitProof"
	in.ScreenshotRef = strings.TrimSpace(in.ScreenshotRef)
	in.TransactionRef = strings.TrimSpace(in.TransactionRef)
	if err := e.validate.Struct(in); err != nil {
		return nil, &Error{Op: op, Kind: KindValidation, OrderID: id, Err: describeValidation(err)}
	}

	o, err := e.load(ctx, op, actor, id)
	if err != nil {
		return nil, err
	}
	if o.RoleOf(actor) != models.RoleBuyer {
		return nil, transitionErr(op, o, "only the buyer can submit proof of payment")
	}
	if o.Status != models.StatusInitiated {
		return nil, transitionErr(op, o, "proof can only be submitted while the order is %s", models.StatusInitiated)
	}

	now := e.now().UTC()
	reminderAt := now.Add(e.reminderAfter)
	autoDisputeAt := now.Add(e.autoDisputeAfter)
	o.Status = models.StatusProofSent
	o.Proof = &models.Proof{ScreenshotRef: in.ScreenshotRef, TransactionRef: in.TransactionRef, SubmittedAt: now}
	o.ProofSentAt = &now
	o.ReminderAt = &reminderAt
	o.AutoDisputeAt = &autoDisputeAt

	if err := e.commit(ctx, op, o, models.StatusInitiated); err != nil {
		return nil, err
	}
	e.notifier.Enqueue(notify.ProofSubmitted(o)...)
	return o, nil
}

// ConfirmPaymentReceived is the seller acknowledging the buyer's payment
func (e *Engine) ConfirmPaymentReceived(ctx context.Context, actor, id string) (*models.Order, error) {
	const op = "ConfirmPaymentReceived"
	o, err := e.load(ctx, op, actor, id)
	if err != nil {
		return nil, err
	}
	if o.RoleOf(actor) != models.RoleSeller {
		return nil, transitionErr(op, o, "only the seller can confirm payment")
	}
	if o.Status != models.StatusProofSent {
		return nil, transitionErr(op, o, "payment can only be confirmed while the order is %s", models.StatusProofSent)
	}

	now := e.now().UTC()
	o.Status = models.StatusConfirmed
	o.ConfirmedAt = &now
	if err := e.commit(ctx, op, o, models.StatusProofSent); err != nil {
		return nil, err
	}
	e.notifier.Enqueue(notify.PaymentConfirmed(o)...)
	return o, nil
}

// ConfirmDelivery is the buyer acknowledging receipt of the goods. It closes the order.
func (e *Engine) ConfirmDelivery(ctx context.Context, actor, id string) (*models.Order, error) {
	const op = "ConfirmDelivery"
	o, err := e.load(ctx, op, actor, id)
	if err != nil {
		return nil, err
	}
	if o.RoleOf(actor) != models.RoleBuyer {
		return nil, transitionErr(op, o, "only the buyer can confirm delivery")
	}
	if o.Status != models.StatusConfirmed {
		return nil, transitionErr(op, o, "delivery can only be confirmed while the order is %s", models.StatusConfirmed)
	}

	now := e.now().UTC()
	o.Status = models.StatusDelivered
	o.DeliveredAt = &now
	if err := e.commit(ctx, op, o, models.StatusConfirmed); err != nil {
		return nil, err
	}
	e.notifier.Enqueue(notify.OrderDelivered(o)...)
	e.completed(o.Clone())
	return o, nil
}

// OpenOrderDispute freezes an order for review. The seller is blocked from
// publishing until the dispute is resolved.
func (e *Engine) OpenOrderDispute(ctx context.Context, actor, id, reason string) (*models.Order, error) {
	const op = "OpenOrderDispute"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationErr(op, id, "a dispute reason is required")
	}

	o, err := e.load(ctx, op, actor, id)
	if err != nil {
		return nil, err
	}
	if o.Status != models.StatusProofSent && o.Status != models.StatusConfirmed {
		return nil, transitionErr(op, o, "only orders in %s or %s can be disputed", models.StatusProofSent, models.StatusConfirmed)
	}
	if err := e.dispute(ctx, op, o, actor, reason); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder returns an order to one of its parties
func (e *Engine) GetOrder(ctx context.Context, actor, id string) (*models.Order, error) {
	return e.load(ctx, "GetOrder", actor, id)
}

// ListOrders returns the actor's orders in role, newest first. Listing as
// seller sweeps expired deadlines first, so the list reflects them.
func (e *Engine) ListOrders(ctx context.Context, actor string, role models.Role) ([]models.Order, error) {
	const op = "ListOrders"
	if actor == "" {
		return nil, validationErr(op, "", "an actor is required")
	}
	if role != models.RoleBuyer && role != models.RoleSeller {
		return nil, validationErr(op, "", "role must be %s or %s", models.RoleBuyer, models.RoleSeller)
	}
	if role == models.RoleSeller {
		if _, err := e.SweepExpiredOrders(ctx, actor); err != nil {
			slog.ErrorContext(ctx, "sweep before listing failed",
				slog.String(logkey.SellerID, actor),
				slog.String(logkey.Error, err.Error()))
		}
	}
	list, err := e.store.ListOrdersByParty(ctx, actor, role)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindInternal, Err: err}
	}
	return list, nil
}

// IsSellerBlocked reports whether the seller has an open dispute
func (e *Engine) IsSellerBlocked(ctx context.Context, sellerID string) (bool, error) {
	n, err := e.store.CountOrdersBySellerStatus(ctx, sellerID, models.StatusDisputed)
	if err != nil {
		return false, &Error{Op: "IsSellerBlocked", Kind: KindInternal, Err: err}
	}
	return n > 0, nil
}

// WatchOrder calls fn with every committed write to the order until the
// returned function is called. Only the order's parties may watch it.
func (e *Engine) WatchOrder(ctx context.Context, actor, id string, fn func(models.Order)) (stop func(), err error) {
	o, err := e.load(ctx, "WatchOrder", actor, id)
	if err != nil {
		return nil, err
	}
	return e.store.Subscribe(db.Filter{OrderID: o.ID}, fn), nil
}

// load reads an order for one of its parties. Outsiders get not_found.
func (e *Engine) load(ctx context.Context, op, actor, id string) (*models.Order, error) {
	if id == "" {
		return nil, validationErr(op, "", "an order id is required")
	}
	o, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &Error{Op: op, Kind: KindNotFound, OrderID: id, Err: err}
	}
	if err != nil {
		return nil, &Error{Op: op, Kind: KindInternal, OrderID: id, Err: err}
	}
	if o.RoleOf(actor) == "" {
		return nil, &Error{Op: op, Kind: KindNotFound, OrderID: id, Err: db.ErrNotFound}
	}
	return o, nil
}

// commit writes o only if the stored order is still in from at o's version
func (e *Engine) commit(ctx context.Context, op string, o *models.Order, from models.Status) error {
	if err := e.store.UpdateOrder(ctx, o, from); err != nil {
		return e.commitFailed(ctx, op, o, from, err)
	}
	logTransition(ctx, o, from)
	return nil
}

// commitFailed maps a failed conditional write to an engine error
func (e *Engine) commitFailed(ctx context.Context, op string, o *models.Order, from models.Status, err error) error {
	switch {
	case errors.Is(err, db.ErrConflict):
		cerr := &Error{Op: op, Kind: KindConflict, OrderID: o.ID, Err: err}
		if current, gerr := e.store.GetOrder(ctx, o.ID); gerr == nil {
			cerr.Status = current.Status
		}
		return cerr
	case errors.Is(err, db.ErrNotFound):
		return &Error{Op: op, Kind: KindNotFound, OrderID: o.ID, Err: err}
	default:
		return &Error{Op: op, Kind: KindInternal, OrderID: o.ID, Status: from, Err: err}
	}
}

func logTransition(ctx context.Context, o *models.Order, from models.Status) {
	slog.InfoContext(ctx, "order transition",
		slog.String(logkey.OrderID, o.ID),
		slog.String("from", string(from)),
		slog.String(logkey.Status, string(o.Status)))
}

// dispute moves o to disputed, records it in the ledger and notifies both
// parties. When the ledger shares the order database, the status change and
// the ledger entry are written in one transaction.
func (e *Engine) dispute(ctx context.Context, op string, o *models.Order, by, reason string) error {
	from := o.Status
	now := e.now().UTC()
	o.Status = models.StatusDisputed
	o.DisputeReason = reason
	o.DisputedBy = by
	o.DisputedAt = &now

	rec := models.DisputeRecord{
		OrderID:   o.ID,
		BuyerID:   o.BuyerID,
		SellerID:  o.SellerID,
		OpenedBy:  by,
		Reason:    reason,
		Automatic: by == models.SystemActor,
		CreatedAt: now,
	}

	if w, ok := e.ledger.(DisputeWriter); ok {
		if err := w.DisputeOrder(ctx, o, from, rec); err != nil {
			return e.commitFailed(ctx, op, o, from, err)
		}
		logTransition(ctx, o, from)
	} else {
		if err := e.commit(ctx, op, o, from); err != nil {
			return err
		}
		if err := e.ledger.AppendDispute(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "failed to append dispute record",
				slog.String(logkey.OrderID, o.ID),
				slog.String(logkey.Error, err.Error()))
		}
	}

	slog.WarnContext(ctx, "order disputed",
		slog.String(logkey.OrderID, o.ID),
		slog.String(logkey.SellerID, o.SellerID),
		slog.String("disputed_by", by))
	e.notifier.Enqueue(notify.OrderDisputed(o)...)
	return nil
}

func (e *Engine) completed(o models.Order) {
	if e.hook == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()
		if err := e.hook.OrderCompleted(ctx, o); err != nil {
			slog.Error("completion hook failed",
				slog.String(logkey.OrderID, o.ID),
				slog.String(logkey.Error, err.Error()))
		}
	}()
}
