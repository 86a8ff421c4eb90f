package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/p2p-market-orders/models"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	d, err := NewDatabase(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleOrder(buyer, seller string) *models.Order {
	return &models.Order{
		BuyerID:           buyer,
		SellerID:          seller,
		ProductID:         "product-1",
		ProductTitle:      "Bicycle",
		ProductImage:      "https://img.example/bike.jpg",
		ProductPrice:      10000,
		DeliveryFee:       500,
		TotalAmount:       10500,
		PlatformFee:       500,
		SellerNet:         9500,
		CommissionPercent: "5",
		Payment: models.PaymentInfo{
			MethodID:       "mpesa",
			RecipientPhone: "+254700000000",
			HolderName:     "Jane Seller",
		},
		DeliveryType: models.DeliveryShipped,
		Status:       models.StatusInitiated,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	o := sampleOrder("buyer-1", "seller-1")
	id, err := d.CreateOrder(ctx, o)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(1), o.Version)

	got, err := d.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", got.BuyerID)
	assert.Equal(t, "seller-1", got.SellerID)
	assert.Equal(t, "Bicycle", got.ProductTitle)
	assert.Equal(t, int64(10500), got.TotalAmount)
	assert.Equal(t, int64(500), got.PlatformFee)
	assert.Equal(t, int64(9500), got.SellerNet)
	assert.Equal(t, "5", got.CommissionPercent)
	assert.Equal(t, o.Payment, got.Payment)
	assert.Equal(t, models.DeliveryShipped, got.DeliveryType)
	assert.Equal(t, models.StatusInitiated, got.Status)
	assert.Nil(t, got.Proof)
	assert.Nil(t, got.ReminderAt)
	assert.True(t, o.CreatedAt.Equal(got.CreatedAt))
}

func TestGetOrder_NotFound(t *testing.T) {
	d := newTestDatabase(t)
	_, err := d.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateOrder_ConditionalWrite(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	o := sampleOrder("buyer-1", "seller-1")
	_, err := d.CreateOrder(ctx, o)
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
	reminder := now.Add(6 * time.Hour)
	o.Status = models.StatusProofSent
	o.Proof = &models.Proof{ScreenshotRef: "shot-1", TransactionRef: "TX123", SubmittedAt: now}
	o.ProofSentAt = &now
	o.ReminderAt = &reminder

	// wrong expected status
	stale := *o
	assert.ErrorIs(t, d.UpdateOrder(ctx, &stale, models.StatusConfirmed), ErrConflict)

	require.NoError(t, d.UpdateOrder(ctx, o, models.StatusInitiated))
	assert.Equal(t, int64(2), o.Version)

	// same expected status but an old version loses
	stale.Status = models.StatusProofSent
	assert.ErrorIs(t, d.UpdateOrder(ctx, &stale, models.StatusProofSent), ErrConflict)

	got, err := d.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProofSent, got.Status)
	require.NotNil(t, got.Proof)
	assert.Equal(t, "TX123", got.Proof.TransactionRef)
	assert.True(t, now.Equal(got.Proof.SubmittedAt))
	require.NotNil(t, got.ReminderAt)
	assert.True(t, reminder.Equal(*got.ReminderAt))
	assert.Equal(t, int64(2), got.Version)

	missing := sampleOrder("b", "s")
	missing.ID = "missing"
	assert.ErrorIs(t, d.UpdateOrder(ctx, missing, models.StatusInitiated), ErrNotFound)
}

func TestUpdateOrder_ConcurrentWritersOneWins(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	o := sampleOrder("buyer-1", "seller-1")
	o.Status = models.StatusProofSent
	_, err := d.CreateOrder(ctx, o)
	require.NoError(t, err)

	targets := []models.Status{models.StatusConfirmed, models.StatusDisputed}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target models.Status) {
			defer wg.Done()
			cp := *o
			cp.Status = target
			errs[i] = d.UpdateOrder(ctx, &cp, models.StatusProofSent)
		}(i, target)
	}
	wg.Wait()

	var wins int
	var winner models.Status
	for i, err := range errs {
		if err == nil {
			wins++
			winner = targets[i]
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	require.Equal(t, 1, wins)

	got, err := d.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, got.Status)
}

func TestListQueries(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	a := sampleOrder("buyer-1", "seller-1")
	a.Status = models.StatusProofSent
	b := sampleOrder("buyer-2", "seller-1")
	b.Status = models.StatusDisputed
	c := sampleOrder("buyer-1", "seller-2")
	c.Status = models.StatusProofSent
	for _, o := range []*models.Order{a, b, c} {
		_, err := d.CreateOrder(ctx, o)
		require.NoError(t, err)
	}

	byBuyer, err := d.ListOrdersByParty(ctx, "buyer-1", models.RoleBuyer)
	require.NoError(t, err)
	assert.Len(t, byBuyer, 2)

	bySeller, err := d.ListOrdersByParty(ctx, "seller-1", models.RoleSeller)
	require.NoError(t, err)
	assert.Len(t, bySeller, 2)

	inFlight, err := d.ListOrdersBySellerStatus(ctx, "seller-1", models.StatusProofSent)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, a.ID, inFlight[0].ID)

	sellers, err := d.ListSellersWithStatus(ctx, models.StatusProofSent)
	require.NoError(t, err)
	assert.Equal(t, []string{"seller-1", "seller-2"}, sellers)

	n, err := d.CountOrdersBySellerStatus(ctx, "seller-1", models.StatusDisputed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = d.CountOrdersBySellerStatus(ctx, "seller-2", models.StatusDisputed)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAppendDispute(t *testing.T) {
	d := newTestDatabase(t)
	err := d.AppendDispute(context.Background(), models.DisputeRecord{
		OrderID:   "order-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		OpenedBy:  models.SystemActor,
		Reason:    "24h timeout",
		Automatic: true,
	})
	assert.NoError(t, err)
}

func TestSubscribe(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	received := make(chan models.Order, 4)
	unsubscribe := d.Subscribe(Filter{SellerID: "seller-1"}, func(o models.Order) {
		received <- o
	})

	o := sampleOrder("buyer-1", "seller-1")
	_, err := d.CreateOrder(ctx, o)
	require.NoError(t, err)
	other := sampleOrder("buyer-1", "seller-2")
	_, err = d.CreateOrder(ctx, other)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, o.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	unsubscribe()
	unsubscribe()

	o.Status = models.StatusProofSent
	require.NoError(t, d.UpdateOrder(ctx, o, models.StatusInitiated))

	select {
	case got := <-received:
		t.Fatalf("unexpected update after unsubscribe: %s", got.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRebind(t *testing.T) {
	pg := &Database{driver: "pgx"}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	lite := &Database{driver: "sqlite3"}
	assert.Equal(t, "SELECT ? ", lite.rebind("SELECT ? "))
}

func countDisputes(t *testing.T, d *Database, orderID string) int {
	t.Helper()
	var n int
	require.NoError(t, d.db.QueryRow(`SELECT COUNT(*) FROM disputes WHERE order_id = ?`, orderID).Scan(&n))
	return n
}

func disputed(o *models.Order) (*models.Order, models.DisputeRecord) {
	cp := *o
	now := time.Date(2026, 1, 3, 4, 0, 0, 0, time.UTC)
	cp.Status = models.StatusDisputed
	cp.DisputeReason = "24h timeout"
	cp.DisputedBy = models.SystemActor
	cp.DisputedAt = &now
	return &cp, models.DisputeRecord{
		OrderID:   o.ID,
		BuyerID:   o.BuyerID,
		SellerID:  o.SellerID,
		OpenedBy:  models.SystemActor,
		Reason:    "24h timeout",
		Automatic: true,
		CreatedAt: now,
	}
}

func TestDisputeOrder(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	o := sampleOrder("buyer-1", "seller-1")
	o.Status = models.StatusProofSent
	_, err := d.CreateOrder(ctx, o)
	require.NoError(t, err)

	cp, rec := disputed(o)
	require.NoError(t, d.DisputeOrder(ctx, cp, models.StatusProofSent, rec))
	assert.Equal(t, int64(2), cp.Version)

	got, err := d.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, got.Status)
	assert.Equal(t, "24h timeout", got.DisputeReason)
	assert.Equal(t, 1, countDisputes(t, d, o.ID))
}

func TestDisputeOrder_LostRaceWritesNoLedgerEntry(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	o := sampleOrder("buyer-1", "seller-1")
	o.Status = models.StatusProofSent
	_, err := d.CreateOrder(ctx, o)
	require.NoError(t, err)

	confirmed := *o
	confirmed.Status = models.StatusConfirmed
	require.NoError(t, d.UpdateOrder(ctx, &confirmed, models.StatusProofSent))

	cp, rec := disputed(o)
	assert.ErrorIs(t, d.DisputeOrder(ctx, cp, models.StatusProofSent, rec), ErrConflict)
	assert.Equal(t, 0, countDisputes(t, d, o.ID))

	got, err := d.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
}

func TestDisputeOrder_LedgerFailureRollsBackStatus(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	o := sampleOrder("buyer-1", "seller-1")
	o.Status = models.StatusProofSent
	_, err := d.CreateOrder(ctx, o)
	require.NoError(t, err)

	cp, rec := disputed(o)
	rec.ID = "dispute-1"
	require.NoError(t, d.AppendDispute(ctx, models.DisputeRecord{ID: "dispute-1", OrderID: "other", BuyerID: "b", SellerID: "s", OpenedBy: "b", Reason: "x"}))

	// duplicate ledger id makes the insert fail inside the transaction
	require.Error(t, d.DisputeOrder(ctx, cp, models.StatusProofSent, rec))
	assert.Equal(t, int64(1), cp.Version)

	got, err := d.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProofSent, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 0, countDisputes(t, d, o.ID))
}
