package db

import (
	"log/slog"
	"sync"

	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/models"
)

const subscriberBuffer = 16

// Filter selects the orders a subscriber is interested in. Empty fields match anything.
type Filter struct {
	OrderID  string
	BuyerID  string
	SellerID string
}

func (f Filter) matches(o *models.Order) bool {
	if f.OrderID != "" && f.OrderID != o.ID {
		return false
	}
	if f.BuyerID != "" && f.BuyerID != o.BuyerID {
		return false
	}
	if f.SellerID != "" && f.SellerID != o.SellerID {
		return false
	}
	return true
}

type subscriber struct {
	filter Filter
	ch     chan models.Order
	done   chan struct{}
}

// hub fans committed order writes out to in-process subscribers. Each
// subscriber gets its own goroutine so a slow callback never stalls a write.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe(f Filter, fn func(models.Order)) func() {
	s := &subscriber{
		filter: f,
		ch:     make(chan models.Order, subscriberBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = s
	h.mu.Unlock()

	go func() {
		for {
			select {
			case o := <-s.ch:
				fn(o)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		h.mu.Lock()
		_, ok := h.subs[id]
		delete(h.subs, id)
		h.mu.Unlock()
		if ok {
			close(s.done)
		}
	}
}

func (h *hub) publish(o models.Order) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if !s.filter.matches(&o) {
			continue
		}
		select {
		case s.ch <- o.Clone():
		default:
			slog.Warn("subscriber too slow, dropping order update", slog.String(logkey.OrderID, o.ID))
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.done)
	}
}
