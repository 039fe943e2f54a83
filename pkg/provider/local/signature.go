package local

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "Billing-Signature"

// Sign computes the signature header value for payload at ts.
// The MAC is HMAC-SHA256(secret, timestamp + "." + payload), the same
// scheme Stripe uses, so the timestamp is bound to the body.
func Sign(secret string, payload []byte, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), mac(secret, ts.Unix(), payload))
}

func verify(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return provider.ErrMissingSecret
	}
	if header == "" || len(payload) == 0 {
		return provider.ErrInvalidSignature
	}

	var ts int64
	var sigs []string
	for part := range strings.SplitSeq(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", provider.ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return provider.ErrInvalidSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		// Allow a minute of clock skew into the future.
		if age > tolerance || age < -time.Minute {
			return fmt.Errorf("%w: timestamp outside tolerance", provider.ErrInvalidSignature)
		}
	}

	expected := mac(secret, ts, payload)
	for _, s := range sigs {
		if hmac.Equal([]byte(expected), []byte(s)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", provider.ErrInvalidSignature)
}

func mac(secret string, ts int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", ts)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SignedHeader returns an http.Header carrying a fresh signature.
func SignedHeader(secret string, payload []byte, ts time.Time) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, Sign(secret, payload, ts))
	return h
}
