// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package baseline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
)

const baselineKey = "baseline/current"

// Store persists the single current baseline. When an encryption key
// is configured the payload is sealed with AES-256-GCM at rest.
type Store struct {
	db  *badger.DB
	key []byte
}

// NewStore creates a baseline store. key must be empty (plaintext
// storage) or exactly 32 bytes.
func NewStore(db *badger.DB, key []byte) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if len(key) != 0 && len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Store{db: db, key: key}, nil
}

// Save overwrites the persisted baseline wholesale. Baselines are
// never mutated in place.
func (s *Store) Save(b *Baseline) error {
	if b == nil {
		return errors.New("baseline cannot be nil")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	if len(s.key) > 0 {
		data, err = s.seal(data)
		if err != nil {
			return fmt.Errorf("encrypt baseline: %w", err)
		}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(baselineKey), data)
	})
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// Load returns the persisted baseline, or (nil, nil) when none has
// been established yet.
func (s *Store) Load() (*Baseline, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(baselineKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	if len(s.key) > 0 {
		data, err = s.open(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt baseline: %w", err)
		}
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &b, nil
}

// seal encrypts plaintext with AES-256-GCM, prepending the nonce.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a payload produced by seal.
func (s *Store) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed baseline too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
