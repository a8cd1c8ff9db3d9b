// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokencipher provides authenticated encryption for refresh tokens
// kept at rest in the session store.
//
// A ciphertext blob is the standard base64 encoding of
// nonce || authentication tag || ciphertext.
package tokencipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes for every supported algorithm.
const KeySize = 32

// Algorithm names an AEAD construction.
type Algorithm string

const (
	// AlgorithmAESGCM is AES-256 in Galois/Counter mode with a 12 byte nonce.
	AlgorithmAESGCM Algorithm = "aes-256-gcm"
	// AlgorithmXChaCha20Poly1305 is XChaCha20-Poly1305 with a 24 byte nonce.
	AlgorithmXChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

var (
	// ErrInvalidInput is returned for empty plaintext and for blobs that are
	// not base64 or are too short to hold a nonce and tag.
	ErrInvalidInput = errors.New("invalid cipher input")

	// ErrAuthenticationFailure is returned when a blob fails tag verification,
	// either because it was tampered with or was sealed under another key.
	ErrAuthenticationFailure = errors.New("ciphertext authentication failed")

	// ErrInvalidKey is returned by constructors when the key is unusable.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// Cipher encrypts and decrypts token strings.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// AEADCipher implements Cipher over an AEAD primitive.
type AEADCipher struct {
	aead      cipher.AEAD
	algorithm Algorithm
}

// New creates a cipher for the given algorithm. The key must be exactly
// KeySize bytes. An empty algorithm selects AES-256-GCM.
func New(algorithm Algorithm, key []byte) (*AEADCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch algorithm {
	case AlgorithmAESGCM, "":
		algorithm = AlgorithmAESGCM
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		aead, err = cipher.NewGCM(block)
	case AlgorithmXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unsupported cipher algorithm %q", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &AEADCipher{aead: aead, algorithm: algorithm}, nil
}

// NewFromBase64 decodes a standard base64 key and calls New.
func NewFromBase64(algorithm Algorithm, encodedKey string) (*AEADCipher, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid base64: %v", ErrInvalidKey, err)
	}
	return New(algorithm, key)
}

// GenerateKey returns a fresh random key encoded as standard base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Algorithm reports the AEAD construction in use.
func (c *AEADCipher) Algorithm() Algorithm {
	return c.algorithm
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *AEADCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: plaintext is empty", ErrInvalidInput)
	}

	nonceSize := c.aead.NonceSize()
	tagSize := c.aead.Overhead()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext||tag; the blob stores the tag ahead of the ciphertext.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ctLen := len(sealed) - tagSize

	blob := make([]byte, 0, nonceSize+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed[ctLen:]...)
	blob = append(blob, sealed[:ctLen]...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *AEADCipher) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", fmt.Errorf("%w: blob is empty", ErrInvalidInput)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: blob is not valid base64", ErrInvalidInput)
	}

	nonceSize := c.aead.NonceSize()
	tagSize := c.aead.Overhead()
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: blob is too short", ErrInvalidInput)
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	return string(plaintext), nil
}
