package webhookserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Delivery headers set by the registry on every pushed notification.
const (
	HeaderSignature  = "X-MLflow-Signature"
	HeaderDeliveryID = "X-MLflow-Delivery-ID"
	HeaderTimestamp  = "X-MLflow-Timestamp"
)

const signaturePrefix = "v1,"

var (
	// ErrMissingHeaders reports a request without the full set of delivery
	// headers.
	ErrMissingHeaders = errors.New("missing webhook headers")

	// ErrBadTimestamp reports a delivery timestamp that is malformed, too
	// old, or in the future.
	ErrBadTimestamp = errors.New("webhook timestamp is stale or invalid")

	// ErrBadSignature reports a signature that does not match the payload.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// Verifier authenticates pushed notifications. The registry signs
// "{delivery_id}.{timestamp}.{payload}" with HMAC-SHA256 and sends
// "v1," + base64 of the digest; the timestamp bounds the replay window.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Verify checks header presence, timestamp freshness, and the payload
// signature, in that order. The returned error selects the response status.
func (v *Verifier) Verify(deliveryID, timestamp, signature string, payload []byte) error {
	if deliveryID == "" || timestamp == "" || signature == "" {
		return fmt.Errorf("%w: need %s, %s and %s",
			ErrMissingHeaders, HeaderSignature, HeaderDeliveryID, HeaderTimestamp)
	}
	if err := v.checkFreshness(timestamp); err != nil {
		return err
	}

	b64, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return fmt.Errorf("%w: missing %q prefix", ErrBadSignature, signaturePrefix)
	}
	want := Sign(string(v.secret), deliveryID, timestamp, payload)
	if !hmac.Equal([]byte(signaturePrefix+b64), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}

func (v *Verifier) checkFreshness(timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a unix timestamp", ErrBadTimestamp, timestamp)
	}
	age := v.now().Unix() - ts
	if age < 0 {
		return fmt.Errorf("%w: %d seconds in the future", ErrBadTimestamp, -age)
	}
	if age > int64(v.maxAge.Seconds()) {
		return fmt.Errorf("%w: %d seconds old, limit %s", ErrBadTimestamp, age, v.maxAge)
	}
	return nil
}

// Sign computes the signature header value for a delivery. The registry
// side of Verify; also used to produce test and simulation traffic.
func Sign(secret, deliveryID, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.", deliveryID, timestamp)
	mac.Write(payload)
	return signaturePrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
