package apikey

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Supported hash algorithms.
const (
	HashAlgSHA256  = "sha256"
	HashAlgSHA512  = "sha512"
	HashAlgBlake2b = "blake2b"
)

// Hasher turns a raw key into its storage form. Implementations are pure and
// deterministic: the issuance side and the request path must produce the
// same digest for the same key.
type Hasher interface {
	Hash(rawKey string) string
	Algorithm() string
}

// digestHasher computes a lowercase hex digest, keyed with HMAC when a
// pepper is configured.
type digestHasher struct {
	algorithm string
	newHash   func() hash.Hash
	pepper    []byte
}

// NewHasher returns the hasher for algorithm. A non-empty pepper switches
// the digest to HMAC(pepper, key).
func NewHasher(algorithm, pepper string) (Hasher, error) {
	var newHash func() hash.Hash

	switch algorithm {
	case HashAlgSHA256, "":
		algorithm = HashAlgSHA256
		newHash = sha256.New
	case HashAlgSHA512:
		newHash = sha512.New
	case HashAlgBlake2b:
		newHash = newBlake2b256
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}

	h := &digestHasher{algorithm: algorithm, newHash: newHash}
	if pepper != "" {
		h.pepper = []byte(pepper)
	}
	return h, nil
}

// SHA256Hasher returns the default unpeppered hasher.
func SHA256Hasher() Hasher {
	return &digestHasher{algorithm: HashAlgSHA256, newHash: sha256.New}
}

// Hash implements Hasher.
func (h *digestHasher) Hash(rawKey string) string {
	var d hash.Hash
	if h.pepper != nil {
		d = hmac.New(h.newHash, h.pepper)
	} else {
		d = h.newHash()
	}
	_, _ = d.Write([]byte(rawKey))
	return hex.EncodeToString(d.Sum(nil))
}

// Algorithm implements Hasher.
func (h *digestHasher) Algorithm() string {
	return h.algorithm
}

func newBlake2b256() hash.Hash {
	// blake2b.New256 only fails for keys longer than 64 bytes; no key is passed.
	d, _ := blake2b.New256(nil)
	return d
}

// Fingerprint returns a short, log-safe prefix of a key hash.
func Fingerprint(keyHash string) string {
	const n = 8
	if len(keyHash) <= n {
		return keyHash
	}
	return keyHash[:n]
}
