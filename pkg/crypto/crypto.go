package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo scopes derived keys to custody key encryption
const hkdfInfo = "settlement-service/custody-key/v1"

// ErrCiphertextTooShort is returned when the payload cannot hold a nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// deriveKey stretches the master secret into a 32-byte AES key
func deriveKey(masterKey string) ([]byte, error) {
	if masterKey == "" {
		return nil, errors.New("master key is empty")
	}
	reader := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(masterKey string) (cipher.AEAD, error) {
	key, err := deriveKey(masterKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals data with AES-GCM and returns hex(nonce || ciphertext)
func Encrypt(data, masterKey string) (string, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to create nonce: %w", err)
	}

	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(data), nil)), nil
}

// Decrypt opens a value produced by Encrypt
func Decrypt(encryptedHex, masterKey string) (string, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	ciphertext, err := hex.DecodeString(strings.TrimPrefix(encryptedHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
