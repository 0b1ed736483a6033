// Package nonce issues single-use request nonces for the high-assurance
// posture and tracks which values have been seen.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Prefix is prepended to every issued nonce.
const Prefix = "nonce-"

// DefaultTTL is how long an issued nonce is remembered.
const DefaultTTL = 10 * time.Minute

const maxAttempts = 3

// ErrExhausted is returned when no unused nonce could be claimed.
var ErrExhausted = errors.New("nonce: could not claim an unused value")

// Ledger remembers claimed nonces for a bounded time.
type Ledger interface {
	// Claim records value and reports false if it was already claimed and has
	// not expired.
	Claim(ctx context.Context, value string, ttl time.Duration) (bool, error)
}

// Generator issues nonces and registers each one in a Ledger so a value is
// never handed out twice. Safe for concurrent use when the ledger is.
type Generator struct {
	ledger Ledger
	ttl    time.Duration
	newID  func() string
}

// NewGenerator returns a generator backed by ledger. A non-positive ttl
// selects DefaultTTL.
func NewGenerator(ledger Ledger, ttl time.Duration) *Generator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Generator{ledger: ledger, ttl: ttl, newID: uuid.NewString}
}

// Issue returns a fresh nonce.
func (g *Generator) Issue(ctx context.Context) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		v := Prefix + g.newID()
		ok, err := g.ledger.Claim(ctx, v, g.ttl)
		if err != nil {
			return "", fmt.Errorf("claim nonce: %w", err)
		}
		if ok {
			return v, nil
		}
	}
	return "", ErrExhausted
}
