package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one terminal/cashier's working state. It is logically owned by
// exactly one (terminal, user) pair and never shared across terminals.
type Session struct {
	ID           string                     `json:"id"`
	TerminalID   string                     `json:"terminal_id"`
	UserID       string                     `json:"user_id"`
	CustomerID   string                     `json:"customer_id,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	LastActivity time.Time                  `json:"last_activity"`
	ExpiresAt    time.Time                  `json:"expires_at"`
	CartSnapshot json.RawMessage            `json:"cart_snapshot,omitempty"`
	Meta         map[string]json.RawMessage `json:"meta,omitempty"`
}

// newSessionID derives the opaque session identifier. The ID doubles as the
// client token, so it has to be unguessable: a guessed ID is a session
// takeover. High-entropy randomness plus a uuid plus the caller's identity and
// timestamp, collapsed through sha256.
func newSessionID(terminalID, userID, fingerprint string, now time.Time) (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("session id entropy: %w", err)
	}

	h := sha256.New()
	h.Write(entropy)
	h.Write([]byte(uuid.NewString()))
	h.Write([]byte(terminalID))
	h.Write([]byte(userID))
	h.Write([]byte(fingerprint))
	h.Write([]byte(now.Format(time.RFC3339Nano)))

	return hex.EncodeToString(h.Sum(nil)), nil
}
