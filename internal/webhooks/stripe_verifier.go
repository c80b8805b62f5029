package webhooks

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"
)

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrMalformedEvent   = errors.New("malformed event")
)

// Verifier authenticates a raw request body against its signature header.
type Verifier interface {
	Verify(payload []byte, signature string) error
}

// Parser turns an authenticated body into an event variant.
type Parser interface {
	Parse(payload []byte) (Event, error)
}

// StripeVerifier checks the Stripe-Signature header. The provider library
// rejects timestamps older than the tolerance; timestamps further than the
// tolerance in the future are rejected here.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Verify returns ErrSignatureInvalid without detail on any failure.
func (v *StripeVerifier) Verify(payload []byte, signature string) error {
	if v.secret == "" || signature == "" {
		return ErrSignatureInvalid
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, v.secret, v.tolerance); err != nil {
		return ErrSignatureInvalid
	}
	signedAt, ok := signatureTimestamp(signature)
	if !ok || signedAt.After(v.now().Add(v.tolerance)) {
		return ErrSignatureInvalid
	}
	return nil
}

// signatureTimestamp extracts t= from a "t=...,v1=..." header.
func signatureTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || key != "t" {
			continue
		}
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}
