package fxa

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	quickStretchSaltPrefix = "identity.mozilla.com/picl/v1/quickStretch:"
	authPWInfo             = "identity.mozilla.com/picl/v1/authPW"
	sessionTokenInfo       = "identity.mozilla.com/picl/v1/sessionToken"

	quickStretchIterations = 1000
	authPWLength           = 32
)

// KeyDerivation accumulates input key material and expands it into derived
// keys per RFC 5869 (extract-and-expand over a keyed hash). An empty salt
// falls back to a hash-length block of zero bytes, per the RFC.
//
// Result is deterministic over (hash, salt, accumulated IKM, info, length);
// the expand counter is a single byte, so at most 255 hash-length blocks can
// be requested. Call sites in this package stay far below that ceiling.
type KeyDerivation struct {
	hash func() hash.Hash
	salt []byte
	ikm  bytes.Buffer
}

// NewKeyDerivation constructs a derivation over the given hash. A nil or
// empty salt selects the RFC 5869 "no salt" behaviour.
func NewKeyDerivation(h func() hash.Hash, salt []byte) *KeyDerivation {
	return &KeyDerivation{hash: h, salt: salt}
}

// AddData feeds input key material into the extraction step.
func (k *KeyDerivation) AddData(data []byte) {
	k.ikm.Write(data)
}

// Result extracts the pseudorandom key from the accumulated material and
// expands it to length bytes bound to info.
func (k *KeyDerivation) Result(length int, info []byte) []byte {
	prk := hkdf.Extract(k.hash, k.ikm.Bytes(), k.salt)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(k.hash, prk, info), out); err != nil {
		// Only reachable when length exceeds the 255-block ceiling.
		panic("hkdf: requested length too large")
	}
	return out
}

// DeriveAuthPassword stretches a user password into the 32-byte authPW the
// provider expects: PBKDF2-SHA256 over an email-scoped salt, then an HKDF
// expansion bound to the authPW context. The email must be the case-corrected
// form used on the wire.
func DeriveAuthPassword(emailAddress, password string) []byte {
	salt := []byte(quickStretchSaltPrefix + emailAddress)
	stretched := pbkdf2.Key([]byte(password), salt, quickStretchIterations, authPWLength, sha256.New)

	kd := NewKeyDerivation(sha256.New, nil)
	kd.AddData(stretched)
	return kd.Result(authPWLength, []byte(authPWInfo))
}
