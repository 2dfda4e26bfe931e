package btcturk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
)

// Signer signs private requests with the venue's HMAC scheme:
// X-Signature = base64(HMAC_SHA256(base64_decode(secret), api_key || stamp)).
type Signer struct {
	apiKey string
	secret []byte
	clock  *ClockSync
}

// NewSigner decodes the base64 secret once; a malformed secret fails fast.
func NewSigner(apiKey, secretKey string, clock *ClockSync) (*Signer, error) {
	secret, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode API secret: %w", err)
	}
	return &Signer{apiKey: apiKey, secret: secret, clock: clock}, nil
}

// SignRequest adds the venue auth headers. The stamp comes from the clock
// sync service and is monotonically non-decreasing within the process.
func (s *Signer) SignRequest(req *http.Request) error {
	stamp := s.clock.Stamp()
	stampStr := strconv.FormatInt(stamp, 10)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(s.apiKey + stampStr))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-PCK", s.apiKey)
	req.Header.Set("X-Stamp", stampStr)
	req.Header.Set("X-Signature", signature)
	return nil
}
