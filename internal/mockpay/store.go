// Package mockpay is an in-process stand-in for the payment processor:
// an in-memory OrderStore plus the HTTP endpoints the gateway calls.
package mockpay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iliamunaev/photo-kiosk/internal/model"
)

var (
	ErrNotFound = errors.New("order not found")
	ErrFinal    = errors.New("order already in a terminal state")
)

// Record is a stored order plus the merchant fields echoed on query.
type Record struct {
	model.Order
	AppID   string
	MchID   string
	CodeURL string
}

// OrderStore keeps orders in memory. It is safe for concurrent use.
type OrderStore struct {
	mu         sync.Mutex
	orders     map[string]*Record
	now        func() time.Time
	closeAfter time.Duration
	log        *slog.Logger
}

// NewStore returns an empty store. Unpaid orders older than closeAfter
// are closed by CloseExpired; a non-positive closeAfter disables expiry.
func NewStore(closeAfter time.Duration, now func() time.Time, log *slog.Logger) *OrderStore {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &OrderStore{
		orders:     make(map[string]*Record),
		now:        now,
		closeAfter: closeAfter,
		log:        log,
	}
}

// Create stores rec as NOT_PAID. A repeated id returns the existing
// record unchanged and created=false.
func (s *OrderStore) Create(rec Record) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[rec.ID]; ok {
		return *existing, false
	}
	rec.Status = model.StatusNotPaid
	rec.CreatedAt = s.now()
	rec.SuccessTime = time.Time{}
	s.orders[rec.ID] = &rec
	return rec, true
}

func (s *OrderStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SetStatus moves an order to status. Terminal statuses are final.
func (s *OrderStore) SetStatus(id string, status model.OrderStatus) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status.IsTerminal() {
		if rec.Status == status {
			return *rec, nil
		}
		return *rec, ErrFinal
	}
	rec.Status = status
	if status == model.StatusSuccess {
		rec.SuccessTime = s.now()
	}
	return *rec, nil
}

// ForceSuccess marks an order paid, as if the customer had scanned it.
func (s *OrderStore) ForceSuccess(id string) (Record, error) {
	return s.SetStatus(id, model.StatusSuccess)
}

// CloseExpired closes unpaid orders created more than closeAfter before
// now and returns how many were closed.
func (s *OrderStore) CloseExpired(now time.Time) int {
	if s.closeAfter <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.orders {
		if rec.Status.IsTerminal() || now.Sub(rec.CreatedAt) < s.closeAfter {
			continue
		}
		rec.Status = model.StatusClosed
		n++
		s.log.Info("order expired", "order_id", id, "created_at", rec.CreatedAt)
	}
	return n
}

// StartSweeper runs CloseExpired every interval until ctx is done.
// The returned channel is closed when the sweeper has exited.
func (s *OrderStore) StartSweeper(ctx context.Context, every time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if every <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.CloseExpired(s.now())
			}
		}
	}()
	return done
}

func (s *OrderStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
