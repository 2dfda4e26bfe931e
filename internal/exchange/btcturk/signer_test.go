package btcturk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerHeaders(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("super-secret"))
	clock := NewClockSync(2000)
	signer, err := NewSigner("api-key-1", secret, clock)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "https://venue.example/api/v1/users/balances", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req))

	assert.Equal(t, "api-key-1", req.Header.Get("X-PCK"))

	stamp := req.Header.Get("X-Stamp")
	require.NotEmpty(t, stamp)

	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte("api-key-1" + stamp))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, req.Header.Get("X-Signature"))
}

func TestSignerRejectsMalformedSecret(t *testing.T) {
	_, err := NewSigner("key", "not-base64!!!", NewClockSync(2000))
	assert.Error(t, err)
}

func TestClockStampMonotonic(t *testing.T) {
	clock := NewClockSync(2000)

	prev := clock.Stamp()
	for i := 0; i < 100; i++ {
		next := clock.Stamp()
		assert.Greater(t, next, prev, "stamps must strictly increase within a process")
		prev = next
	}
}

func TestClockStampNeverDecreasesAfterOffsetShrink(t *testing.T) {
	clock := NewClockSync(5000)

	// venue ahead of us: offset positive, stamps jump forward
	clock.Update(timeNowMilli() + 3000)
	high := clock.Stamp()

	// venue time corrected back: the stamp must not go backwards
	clock.Update(timeNowMilli())
	low := clock.Stamp()
	assert.Greater(t, low, high)
}

func TestClockOffsetClamped(t *testing.T) {
	clock := NewClockSync(1000)
	clock.Update(timeNowMilli() + 60_000)
	assert.LessOrEqual(t, clock.OffsetMS(), int64(1000))

	clock.Update(timeNowMilli() - 60_000)
	assert.GreaterOrEqual(t, clock.OffsetMS(), int64(-1000))
}

func timeNowMilli() int64 {
	return time.Now().UnixMilli()
}
