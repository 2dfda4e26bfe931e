package order

import (
	"regexp"
	"testing"
	"time"

	"execution_bot/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleKey() IntentKey {
	return IntentKey{
		Symbol: "BTCTRY",
		Side:   core.SideBuy,
		Price:  decimal.RequireFromString("100000.00"),
		Qty:    decimal.RequireFromString("0.001"),
		Bucket: 29000000,
	}
}

func TestDeriveClientOrderIDDeterministic(t *testing.T) {
	id1 := DeriveClientOrderID(sampleKey())
	id2 := DeriveClientOrderID(sampleKey())
	assert.Equal(t, id1, id2, "same key must derive the same id")
}

func TestDeriveClientOrderIDNormalizesDecimals(t *testing.T) {
	a := sampleKey()
	b := sampleKey()
	b.Price = decimal.RequireFromString("100000")
	b.Qty = decimal.RequireFromString("0.00100")

	assert.Equal(t, DeriveClientOrderID(a), DeriveClientOrderID(b),
		"trailing zeros must not change the id")
}

func TestDeriveClientOrderIDVenueSafe(t *testing.T) {
	id := DeriveClientOrderID(sampleKey())
	require.LessOrEqual(t, len(id), MaxClientIDLength)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z2-7]+$`), id,
		"id must stay in the base32 alphanumeric charset")
	assert.Equal(t, ClientIDPrefix, id[:len(ClientIDPrefix)])
}

func TestDeriveClientOrderIDDistinguishesContent(t *testing.T) {
	base := DeriveClientOrderID(sampleKey())

	side := sampleKey()
	side.Side = core.SideSell
	assert.NotEqual(t, base, DeriveClientOrderID(side))

	price := sampleKey()
	price.Price = decimal.RequireFromString("100000.01")
	assert.NotEqual(t, base, DeriveClientOrderID(price))

	bucket := sampleKey()
	bucket.Bucket++
	assert.NotEqual(t, base, DeriveClientOrderID(bucket))
}

func TestIntentBucket(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	assert.Equal(t, ts.Unix()/60, IntentBucket(ts, 60))

	// both ends of a bucket map together
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 12, 0, 59, 0, time.UTC)
	assert.Equal(t, IntentBucket(start, 60), IntentBucket(end, 60))

	next := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	assert.NotEqual(t, IntentBucket(start, 60), IntentBucket(next, 60))
}

func TestIdempotencyKeys(t *testing.T) {
	cid := DeriveClientOrderID(sampleKey())
	assert.Equal(t, cid, IdempotencyKeyForSubmit(cid))
	assert.Equal(t, "cancel:"+cid, IdempotencyKeyForCancel(cid))
}
