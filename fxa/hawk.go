package fxa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	hawkHeaderPrefix  = "hawk.1.header"
	hawkPayloadPrefix = "hawk.1.payload"

	hawkNonceLength   = 6
	hawkNonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	hawkKeyLength = 32
)

// HawkAuth produces a HAWK 1.0 Authorization header for a single outgoing
// request. Timestamp and nonce are fixed at construction, so an instance must
// not be reused across distinct requests: replay resistance depends on nonce
// uniqueness within the timestamp validity window.
type HawkAuth struct {
	id        []byte
	key       []byte
	timestamp int64
	nonce     string
}

// NewHawkAuth builds a signer from an explicit (id, key) pair.
func NewHawkAuth(id, key []byte) *HawkAuth {
	return &HawkAuth{
		id:        id,
		key:       key,
		timestamp: time.Now().Unix(),
		nonce:     generateNonce(),
	}
}

// NewHawkAuthFromSessionToken derives the (id, key) pair from an opaque
// session token: a no-salt HKDF expansion of the token to 64 bytes bound to
// the sessionToken context, split into a 32-byte id and a 32-byte key.
func NewHawkAuthFromSessionToken(sessionToken []byte) *HawkAuth {
	kd := NewKeyDerivation(sha256.New, nil)
	kd.AddData(sessionToken)
	out := kd.Result(2*hawkKeyLength, []byte(sessionTokenInfo))

	return NewHawkAuth(out[:hawkKeyLength], out[hawkKeyLength:])
}

// Generate renders the Authorization header value for the given request.
// The payload hash is included only when payload is non-empty.
func (h *HawkAuth) Generate(u *url.URL, method, contentType string, payload []byte) string {
	payloadHash := ""
	if len(payload) > 0 {
		payloadHash = hashPayload(contentType, payload)
	}

	mac := h.computeMAC(u, method, payloadHash)

	header := fmt.Sprintf("Hawk id=%q, ts=\"%d\", nonce=%q, mac=%q",
		hex.EncodeToString(h.id), h.timestamp, h.nonce, mac)
	if payloadHash != "" {
		header += fmt.Sprintf(", hash=%q", payloadHash)
	}
	return header
}

func (h *HawkAuth) computeMAC(u *url.URL, method, payloadHash string) string {
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	canonical := strings.Join([]string{
		hawkHeaderPrefix,
		fmt.Sprintf("%d", h.timestamp),
		h.nonce,
		method,
		path,
		u.Hostname(),
		urlPort(u),
		payloadHash,
		"",
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hashPayload(contentType string, payload []byte) string {
	sum := sha256.New()
	sum.Write([]byte(hawkPayloadPrefix + "\n"))
	sum.Write([]byte(strings.ToLower(contentType) + "\n"))
	sum.Write(payload)
	sum.Write([]byte("\n"))
	return base64.StdEncoding.EncodeToString(sum.Sum(nil))
}

func urlPort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	if u.Scheme == "http" {
		return "80"
	}
	return "443"
}

func generateNonce() string {
	// Rejection sampling keeps the draw uniform over the 66-char alphabet.
	limit := byte(256 - 256%len(hawkNonceAlphabet))

	nonce := make([]byte, 0, hawkNonceLength)
	buf := make([]byte, hawkNonceLength)
	for len(nonce) < hawkNonceLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("hawk: read random source: %v", err))
		}
		for _, b := range buf {
			if b >= limit || len(nonce) == hawkNonceLength {
				continue
			}
			nonce = append(nonce, hawkNonceAlphabet[int(b)%len(hawkNonceAlphabet)])
		}
	}
	return string(nonce)
}
