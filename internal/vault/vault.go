// Package vault seals device secrets at rest. Plaintext credentials exist
// only on the device write path (sealing) and inside the connector (opening);
// no read API ever returns them.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

type Vault struct {
	key [32]byte
}

// New derives a sealing key from the configured secret key string.
func New(secretKey string) *Vault {
	v := &Vault{}
	v.key = sha256.Sum256([]byte(secretKey))
	return v
}

// Seal encrypts plaintext and returns a base64 blob of nonce|ciphertext.
func (v *Vault) Seal(plaintext string) string {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(box)
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", errors.Wrap(err, "vault: malformed blob")
	}
	if len(raw) < 24 {
		return "", errors.New("vault: blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &v.key)
	if !ok {
		return "", errors.New("vault: decryption failed")
	}
	return string(plain), nil
}
