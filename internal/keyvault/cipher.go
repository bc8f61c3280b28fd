package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Deployment-scoped salt for the key-encryption key. Rotating it
// requires re-encrypting every stored seed and private key.
var kekSalt = []byte("tronsweep/kek/v1")

// Cipher encrypts seeds and private keys at rest with AES-GCM, keyed
// from the operator passphrase via scrypt.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the key-encryption key from the passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrVaultLocked
	}

	key, err := scrypt.Key([]byte(passphrase), kekSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a ciphertext produced by Seal.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
