package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// Reservation is a time-limited hold on inventory. A terminal that crashes or
// abandons its cart simply lets the lease lapse; expiry is the primary
// recovery path, not explicit cancellation.
type Reservation struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	OrderKey  string    `json:"order_key"`
	Owner     string    `json:"owner"` // terminal/session that holds it
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`
}

// Active reports whether the hold still counts against availability. An
// expired lease stops counting immediately, before any sweep removes it.
func (r Reservation) Active(now time.Time) bool {
	return r.Status == StatusActive && now.Before(r.ExpiresAt)
}

// newReservationID embeds the product id so the ledger key can be derived
// from the id alone, without a secondary index.
func newReservationID(productID string) string {
	return productID + ":" + uuid.NewString()
}

// productFromReservationID cuts at the last colon: the uuid suffix never
// contains one, the product id may.
func productFromReservationID(id string) (string, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", fmt.Errorf("malformed reservation id %q", id)
	}
	return id[:i], nil
}

// ledger is the full reservation state for one product, stored under a single
// kv key. Every mutation goes through the store's atomic read-modify-write,
// which makes the check-then-create step a per-product critical section: two
// terminals can never both pass the availability check against the same unit
// of stock.
type ledger struct {
	Reservations []Reservation `json:"reservations"`
}

// activeQuantity sums the holds that still count at now.
func (l *ledger) activeQuantity(now time.Time) int {
	total := 0
	for _, r := range l.Reservations {
		if r.Active(now) {
			total += r.Quantity
		}
	}
	return total
}

// prune drops expired and released entries, returning how many were removed.
func (l *ledger) prune(now time.Time) int {
	kept := l.Reservations[:0]
	removed := 0
	for _, r := range l.Reservations {
		if r.Active(now) {
			kept = append(kept, r)
		} else {
			removed++
		}
	}
	l.Reservations = kept
	return removed
}

func (l *ledger) find(id string) (int, bool) {
	for i, r := range l.Reservations {
		if r.ID == id {
			return i, true
		}
	}
	return 0, false
}
