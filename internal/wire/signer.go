package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/codefionn/schnellkernel/internal/securemem"
	"golang.org/x/crypto/sha3"
)

// Signature schemes accepted in the connection file.
const (
	SchemeSHA256  = "hmac-sha256"
	SchemeSHA512  = "hmac-sha512"
	SchemeSHA3256 = "hmac-sha3-256"
)

// Signer computes and checks message signatures. With an empty key signing is
// disabled: Sign returns "" and Verify accepts anything, as Jupyter does.
type Signer struct {
	scheme  string
	newHash func() hash.Hash
	key     *securemem.Key
}

// NewSigner returns a signer for the given scheme and key.
func NewSigner(scheme string, key *securemem.Key) (*Signer, error) {
	var fn func() hash.Hash
	switch scheme {
	case SchemeSHA256, "":
		scheme = SchemeSHA256
		fn = sha256.New
	case SchemeSHA512:
		fn = sha512.New
	case SchemeSHA3256:
		fn = sha3.New256
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
	return &Signer{scheme: scheme, newHash: fn, key: key}, nil
}

// Scheme returns the normalized scheme name.
func (s *Signer) Scheme() string {
	return s.scheme
}

// Enabled reports whether a key is configured.
func (s *Signer) Enabled() bool {
	return s != nil && !s.key.Empty()
}

func (s *Signer) mac(parts [][]byte) []byte {
	var sum []byte
	s.key.WithBytes(func(key []byte) {
		m := hmac.New(s.newHash, key)
		for _, p := range parts {
			m.Write(p)
		}
		sum = m.Sum(nil)
	})
	return sum
}

// Sign returns the hex signature of the content frames.
func (s *Signer) Sign(parts [][]byte) string {
	if !s.Enabled() {
		return ""
	}
	return hex.EncodeToString(s.mac(parts))
}

// Verify checks signature against the content frames in constant time.
func (s *Signer) Verify(signature string, parts [][]byte) bool {
	if !s.Enabled() {
		return true
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(parts))
}
