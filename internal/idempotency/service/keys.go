package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/smallbiznis/paysync/internal/idempotency/domain"
	"golang.org/x/crypto/hkdf"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{8,255}$`)

const keyDerivationInfo = "paysync/idempotency-key/v1"

type keyHasher struct {
	secret []byte
}

// newKeyHasher expands a configured secret into a dedicated HMAC key. An
// empty secret yields plain SHA-256 content hashes.
func newKeyHasher(secret string) (*keyHasher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &keyHasher{}, nil
	}
	derived := make([]byte, sha256.Size)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, err
	}
	return &keyHasher{secret: derived}, nil
}

func (h *keyHasher) newHash() hash.Hash {
	if h == nil || len(h.secret) == 0 {
		return sha256.New()
	}
	return hmac.New(sha256.New, h.secret)
}

// derive hashes userID|operation|amount|context and prefixes the operation.
func (h *keyHasher) derive(userID string, operation domain.Operation, amount int64, context string) string {
	mac := h.newHash()
	_, _ = io.WriteString(mac, strings.Join([]string{
		userID,
		string(operation),
		strconv.FormatInt(amount, 10),
		context,
	}, "|"))
	return string(operation) + "_" + hex.EncodeToString(mac.Sum(nil))
}

func validKey(key string) bool {
	return keyPattern.MatchString(key)
}
