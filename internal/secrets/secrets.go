// Copyright 2025 The Helmsman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets seals and opens provider credentials at rest using
// NaCl secretbox with a process-wide symmetric key.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrNoKey is returned when no sealing key source is configured.
	ErrNoKey = errors.New("no sealing key configured")

	// ErrDecrypt is returned when a ciphertext cannot be opened, either
	// because it is corrupt or was sealed under a different key.
	ErrDecrypt = errors.New("cannot decrypt secret")
)

const (
	keyEnv     = "HELMSMAN_SECRETS_KEY"
	keyFileEnv = "HELMSMAN_SECRETS_KEY_FILE"

	keySize   = 32
	nonceSize = 24
)

// Sealer encrypts and decrypts secret values with a fixed symmetric key.
type Sealer struct {
	key [keySize]byte
}

// NewSealer creates a sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", keySize, len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// NewSealerFromEnv loads the sealing key from HELMSMAN_SECRETS_KEY
// (base64) or the file named by HELMSMAN_SECRETS_KEY_FILE, checked in
// that order.
func NewSealerFromEnv() (*Sealer, error) {
	if v := os.Getenv(keyEnv); v != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keyEnv, err)
		}
		return NewSealer(key)
	}
	if path := os.Getenv(keyFileEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		return NewSealer(key)
	}
	return nil, ErrNoKey
}

// GenerateKey returns a fresh random sealing key, base64-encoded for
// storage in the environment or a key file.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts a plaintext value. The nonce is random and prepended to
// the ciphertext.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key), nil
}

// Open decrypts a sealed value.
func (s *Sealer) Open(ciphertext []byte) (string, error) {
	if len(ciphertext) < nonceSize {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Opener is the decrypt-only view consumed by the dispatcher.
type Opener interface {
	Open(ciphertext []byte) (string, error)
}
