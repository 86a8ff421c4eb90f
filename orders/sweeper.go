package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/models"
	"github.com/slashbinslashnoname/p2p-market-orders/notify"
)

// SweepResult counts what one sweep did
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Reminded int `json:"reminded"`
	Disputed int `json:"disputed"`
}

func (r *SweepResult) add(o SweepResult) {
	r.Scanned += o.Scanned
	r.Reminded += o.Reminded
	r.Disputed += o.Disputed
}

// SweepExpiredOrders applies elapsed deadlines to the seller's proof_sent
// orders: past AutoDisputeAt it disputes the order, past ReminderAt it sends
// the seller one reminder. Orders another actor advanced in the meantime are
// skipped.
func (e *Engine) SweepExpiredOrders(ctx context.Context, sellerID string) (SweepResult, error) {
	const op = "SweepExpiredOrders"
	var res SweepResult
	if sellerID == "" {
		return res, validationErr(op, "", "a seller id is required")
	}

	pending, err := e.store.ListOrdersBySellerStatus(ctx, sellerID, models.StatusProofSent)
	if err != nil {
		return res, &Error{Op: op, Kind: KindInternal, Err: err}
	}

	var errs []error
	for i := range pending {
		o := &pending[i]
		res.Scanned++
		now := e.now().UTC()

		switch {
		case o.AutoDisputeAt != nil && !now.Before(*o.AutoDisputeAt):
			err = e.dispute(ctx, op, o, models.SystemActor, AutoDisputeReason)
			if err == nil {
				res.Disputed++
			}
		case o.ReminderAt != nil && !now.Before(*o.ReminderAt) && o.ReminderSentAt == nil:
			o.ReminderSentAt = &now
			err = e.commit(ctx, op, o, models.StatusProofSent)
			if err == nil {
				res.Reminded++
				remaining := "expired"
				if o.AutoDisputeAt != nil {
					remaining = FormatRemainingTimeAt(*o.AutoDisputeAt, now)
				}
				e.notifier.Enqueue(notify.PaymentReminder(o, remaining)...)
			}
		default:
			continue
		}
		if err == nil {
			continue
		}

		switch KindOf(err) {
		case KindConflict, KindNotFound:
			slog.DebugContext(ctx, "order advanced during sweep, skipping",
				slog.String(logkey.OrderID, o.ID),
				slog.String(logkey.Status, string(StatusOf(err))))
		default:
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return res, &Error{Op: op, Kind: KindInternal, Err: errors.Join(errs...)}
	}
	return res, nil
}

// SweepAll sweeps every seller with an order waiting for payment confirmation
func (e *Engine) SweepAll(ctx context.Context) (SweepResult, error) {
	const op = "SweepAll"
	var total SweepResult
	sellers, err := e.store.ListSellersWithStatus(ctx, models.StatusProofSent)
	if err != nil {
		return total, &Error{Op: op, Kind: KindInternal, Err: err}
	}

	var errs []error
	for _, sellerID := range sellers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := e.SweepExpiredOrders(ctx, sellerID)
		total.add(res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return total, &Error{Op: op, Kind: KindInternal, Err: errors.Join(errs...)}
	}
	return total, nil
}

// RunSweeper calls SweepAll every interval until ctx is cancelled
func RunSweeper(ctx context.Context, e *Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("deadline sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("deadline sweeper stopped")
			return
		case <-ticker.C:
			res, err := e.SweepAll(ctx)
			if err != nil {
				slog.Error("sweep failed", slog.String(logkey.Error, err.Error()))
			}
			if res.Reminded > 0 || res.Disputed > 0 {
				slog.Info("sweep finished",
					slog.Int("scanned", res.Scanned),
					slog.Int("reminded", res.Reminded),
					slog.Int("disputed", res.Disputed))
			}
		}
	}
}
