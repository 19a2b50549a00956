// Package sealed produces the opaque envelopes carried in message content
// and versioned fields. The sync core never opens them; only clients
// holding the data key do.
package sealed

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"happy-sync/internal/model"
)

const (
	KeySize   = 32
	nonceSize = 24

	// version is the first byte of every sealed blob and is checked on open.
	version byte = 0x01
)

var (
	ErrMalformed = errors.New("sealed: malformed envelope")
	ErrOpen      = errors.New("sealed: cannot open envelope")
)

type Key [KeySize]byte

func NewKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a standard base64 key.
func ParseKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != KeySize {
		return Key{}, fmt.Errorf("sealed: key must be %d base64 bytes", KeySize)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Encryptor is the encryption capability handed to clients.
type Encryptor interface {
	Seal(key Key, plaintext []byte) (model.EncryptedContent, error)
	Open(key Key, env model.EncryptedContent) ([]byte, error)
}

// SecretBox seals with NaCl secretbox. The envelope body is
//
//	base64([version][nonce: 24][box])
type SecretBox struct{}

var _ Encryptor = SecretBox{}

func (SecretBox) Seal(key Key, plaintext []byte) (model.EncryptedContent, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return model.EncryptedContent{}, fmt.Errorf("generating nonce: %w", err)
	}
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+secretbox.Overhead)
	out[0] = version
	copy(out[1:], nonce[:])
	k := [KeySize]byte(key)
	out = secretbox.Seal(out, plaintext, &nonce, &k)
	return model.Encrypted(base64.StdEncoding.EncodeToString(out)), nil
}

func (SecretBox) Open(key Key, env model.EncryptedContent) ([]byte, error) {
	if env.T != model.EncryptedContentType {
		return nil, fmt.Errorf("%w: type %q", ErrMalformed, env.T)
	}
	raw, err := base64.StdEncoding.DecodeString(env.C)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 1+nonceSize+secretbox.Overhead || raw[0] != version {
		return nil, ErrMalformed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[1:1+nonceSize])
	k := [KeySize]byte(key)
	plaintext, ok := secretbox.Open(nil, raw[1+nonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrOpen
	}
	return plaintext, nil
}
