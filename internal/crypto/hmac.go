package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// RequestSigner holds the per-account API credentials used to sign requests
// against the brokerage auth and account endpoints.
type RequestSigner struct {
	Key    string // API key
	Secret string // API secret
}

// Checksum computes the request signature the auth and account endpoints
// verify. The request parameters are joined as key=value pairs in ascending
// key order, separated by "&", and the result is signed with HMAC-SHA256
// keyed by the API secret. The signature is hex encoded.
func (s *RequestSigner) Checksum(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	message := strings.Join(pairs, "&")

	return hmacSHA256Hex([]byte(s.Secret), message)
}

// String returns a redacted representation suitable for logging.
func (s *RequestSigner) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("RequestSigner{key=%s, secret=%s}", redact(s.Key), redact(s.Secret))
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result as a hex-encoded string.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
