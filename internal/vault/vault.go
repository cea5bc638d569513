package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Sealed is one encrypted credential. Ciphertext, iv and tag are kept as
// separate fields, and separate columns at rest, so the scheme stays
// explicit and auditable.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

type Vault struct {
	key []byte
}

// New expects a 64 char hex string, ie a 32 byte key for AES-256-GCM.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault key is not valid hex, %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	return &Vault{key: key}, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (v *Vault) Encrypt(plaintext string) (Sealed, error) {
	gcm, err := v.gcm()
	if err != nil {
		return Sealed{}, fmt.Errorf("could not create cipher, %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("could not read random iv, %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)

	// gcm appends the tag to the ciphertext, split it back out
	split := len(sealed) - gcm.Overhead()
	return Sealed{
		Ciphertext: hex.EncodeToString(sealed[:split]),
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt fails closed, a flipped bit in ciphertext, iv or tag yields an
// error and no plaintext.
func (v *Vault) Decrypt(s Sealed) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", fmt.Errorf("could not create cipher, %w", err)
	}

	ciphertext, err := hex.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid hex, %w", err)
	}
	iv, err := hex.DecodeString(s.IV)
	if err != nil {
		return "", fmt.Errorf("iv is not valid hex, %w", err)
	}
	tag, err := hex.DecodeString(s.Tag)
	if err != nil {
		return "", fmt.Errorf("tag is not valid hex, %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("iv must be %d bytes, got %d", gcm.NonceSize(), len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("could not decrypt credential, %w", err)
	}
	return string(plaintext), nil
}
