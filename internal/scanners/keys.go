package scanners

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const secretBytes = 32

// keyHasher digests API key secrets with a keyed BLAKE3 hash so a leaked
// scanners table cannot be used to forge keys without the pepper.
type keyHasher struct {
	key [32]byte
}

func newKeyHasher(pepper string) keyHasher {
	return keyHasher{key: blake3.Sum256([]byte("tix scanner api key v1|" + pepper))}
}

func (h keyHasher) digest(scannerID uuid.UUID, secret string) []byte {
	hasher, err := blake3.NewKeyed(h.key[:])
	if err != nil {
		panic("scanners: keyed BLAKE3 initialization failed: " + err.Error())
	}
	hasher.Write(scannerID[:])
	hasher.Write([]byte(secret))
	return hasher.Sum(nil)
}

func (h keyHasher) matches(scannerID uuid.UUID, secret string, stored []byte) bool {
	return subtle.ConstantTimeCompare(h.digest(scannerID, secret), stored) == 1
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate api key")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// formatKey renders the key handed to the device once: "<scannerId>.<secret>".
func formatKey(scannerID uuid.UUID, secret string) string {
	return scannerID.String() + "." + secret
}

func parseKey(apiKey string) (uuid.UUID, string, bool) {
	idPart, secret, ok := strings.Cut(strings.TrimSpace(apiKey), ".")
	if !ok || secret == "" {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, secret, true
}
