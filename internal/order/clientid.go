package order

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"execution_bot/internal/core"

	"github.com/shopspring/decimal"
)

const (
	// ClientIDPrefix marks ids originated by this bot.
	ClientIDPrefix = "EB"

	// MaxClientIDLength is the venue's client-order-id length cap.
	MaxClientIDLength = 36
)

// base32 without padding keeps the id alphanumeric for the venue charset.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// IntentKey is the canonical content a client-order-id is derived from.
// Two intents with the same key are the same logical order.
type IntentKey struct {
	Symbol string
	Side   core.Side
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Bucket int64
}

// Canonical returns the stable string form hashed into the id. Decimal
// strings are normalized so 0.10 and 0.1 derive the same id.
func (k IntentKey) Canonical() string {
	return strings.Join([]string{
		k.Symbol,
		string(k.Side),
		k.Price.String(),
		k.Qty.String(),
		fmt.Sprintf("%d", k.Bucket),
	}, "|")
}

// IntentBucket maps a creation time to the intent bucket used in id
// derivation. bucketSeconds must be positive.
func IntentBucket(createdAt time.Time, bucketSeconds int64) int64 {
	return createdAt.UTC().Unix() / bucketSeconds
}

// DeriveClientOrderID produces the deterministic, venue-safe id for a key.
// The same key yields the same id across processes and restarts.
func DeriveClientOrderID(key IntentKey) string {
	sum := sha256.Sum256([]byte(key.Canonical()))
	encoded := idEncoding.EncodeToString(sum[:])
	id := ClientIDPrefix + encoded
	if len(id) > MaxClientIDLength {
		id = id[:MaxClientIDLength]
	}
	return id
}

// IdempotencyKeyForSubmit returns the hard idempotency key for a submit.
func IdempotencyKeyForSubmit(clientOrderID string) string {
	return clientOrderID
}

// IdempotencyKeyForCancel returns the hard idempotency key for a cancel.
func IdempotencyKeyForCancel(clientOrderID string) string {
	return "cancel:" + clientOrderID
}
