// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package session

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/lifelinedev/lifeline/internal/logging"
)

// sessionKey is the single key the credential record lives under.
var sessionKey = []byte("lifeline/session")

// BadgerStorage persists the session to an embedded BadgerDB so a rotated
// refresh token survives daemon restarts. Refresh tokens are single-use:
// losing one after rotation strands the user at the next refresh, so writes
// are synchronous.
type BadgerStorage struct {
	db *badger.DB
}

// OpenBadgerStorage opens (or creates) the credential store at path.
func OpenBadgerStorage(path string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	logging.Info().Str("path", path).Msg("Session store opened")
	return &BadgerStorage{db: db}, nil
}

// Load returns the persisted session record, or nil when none exists.
func (b *BadgerStorage) Load() ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return data, nil
}

// Save writes the session record durably before returning.
func (b *BadgerStorage) Save(data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey, data)
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the persisted record. Missing keys are not an error; sign-out
// must be idempotent.
func (b *BadgerStorage) Clear() error {
	err := b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(sessionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}
