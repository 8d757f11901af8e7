package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Webhook signature headers delivered to the merchant.
const (
	HeaderTimestamp = "Psp-Timestamp"
	HeaderSignature = "Psp-Signature"
)

// SignPayload creates a Stripe-style HMAC-SHA256 signature over
// "<unixTimestampSeconds>.<body>", hex-encoded.
func SignPayload(body []byte, timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaders returns the headers attached to an outgoing webhook:
//
//	Psp-Timestamp: <ts>
//	Psp-Signature: t=<ts>, v1=<hex hmac>
func SignatureHeaders(body []byte, timestamp int64, secret string) map[string]string {
	sig := SignPayload(body, timestamp, secret)
	return map[string]string{
		"Content-Type":  "application/json",
		HeaderTimestamp: strconv.FormatInt(timestamp, 10),
		HeaderSignature: fmt.Sprintf("t=%d, v1=%s", timestamp, sig),
	}
}

// VerifySignature recomputes the HMAC for a received body and signature
// header and compares in constant time. The header must carry the same
// "t=<ts>, v1=<sig>" format produced by SignatureHeaders. Staleness of the
// timestamp is the receiver's policy and is not checked here.
func VerifySignature(body []byte, signatureHeader, secret string) bool {
	ts, sig, ok := ParseSignatureHeader(signatureHeader)
	if !ok {
		return false
	}
	expected := SignPayload(body, ts, secret)
	return hmac.Equal([]byte(sig), []byte(expected))
}

// ParseSignatureHeader extracts the timestamp and v1 signature from a
// "t=<ts>, v1=<sig>" header value.
func ParseSignatureHeader(header string) (timestamp int64, signature string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", false
			}
			timestamp = ts
		case "v1":
			signature = value
		}
	}
	if timestamp == 0 || signature == "" {
		return 0, "", false
	}
	return timestamp, signature, true
}
