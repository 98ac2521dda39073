// Package storage persists the ledger state of the confidential transfer
// service in a walletdb database.
//
// A Store owns the database. Reads go through a Snapshot and writes through
// a Schema, each bound to one database transaction, so a failed mutation
// leaves no trace.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"confidential/internal/crypto"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"

	// Register the bolt driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// dbDriver is the walletdb driver used for the ledger.
	dbDriver = "bdb"

	// DefaultDBTimeout is how long opening the database waits for the
	// file lock.
	DefaultDBTimeout = 60 * time.Second
)

// Store is the persistent ledger.
type Store struct {
	db walletdb.DB
}

// Open opens the ledger database at path, creating it when missing.
func Open(path string, timeout time.Duration) (*Store, error) {
	var (
		db  walletdb.DB
		err error
	)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		log.Infof("Creating ledger database %s", path)
		db, err = walletdb.Create(
			dbDriver, path, true, timeout, false,
		)
	} else {
		db, err = walletdb.Open(
			dbDriver, path, true, timeout, false,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database, creating the ledger buckets if needed.
func New(db walletdb.DB) (*Store, error) {
	if err := walletdb.Update(db, createBuckets); err != nil {
		return nil, fmt.Errorf("create ledger buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs f against a mutable view inside a single database
// transaction. Any error returned by f rolls back all of its mutations.
func (s *Store) Update(f func(*Schema) error) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		schema, err := NewSchema(tx)
		if err != nil {
			return err
		}
		return f(schema)
	})
}

// View runs f against a read-only view.
func (s *Store) View(f func(*Snapshot) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		snap, err := NewSnapshot(tx)
		if err != nil {
			return err
		}
		return f(snap)
	})
}

// Height returns the height of the last applied block.
func (s *Store) Height() (uint64, error) {
	var height uint64
	err := s.View(func(snap *Snapshot) error {
		height = snap.Height()
		return nil
	})
	return height, err
}

// Wallet looks up a wallet outside of block execution.
func (s *Store) Wallet(pk crypto.PublicKey) (fn.Option[Wallet], error) {
	var w fn.Option[Wallet]
	err := s.View(func(snap *Snapshot) error {
		var err error
		w, err = snap.Wallet(pk)
		return err
	})
	return w, err
}

// Transfer looks up a transfer of any status.
func (s *Store) Transfer(id chainhash.Hash) (fn.Option[PendingTransfer], error) {
	var t fn.Option[PendingTransfer]
	err := s.View(func(snap *Snapshot) error {
		var err error
		t, err = snap.Transfer(id)
		return err
	})
	return t, err
}

// PendingTransfers returns the Pending transfers addressed to pk.
func (s *Store) PendingTransfers(pk crypto.PublicKey) ([]PendingTransfer, error) {
	var transfers []PendingTransfer
	err := s.View(func(snap *Snapshot) error {
		var err error
		transfers, err = snap.PendingTransfers(pk)
		return err
	})
	return transfers, err
}

// WalletHistory returns the transaction hashes that touched pk.
func (s *Store) WalletHistory(pk crypto.PublicKey) ([]chainhash.Hash, error) {
	var hashes []chainhash.Hash
	err := s.View(func(snap *Snapshot) error {
		var err error
		hashes, err = snap.WalletHistory(pk)
		return err
	})
	return hashes, err
}

// ExecutionResult returns the recorded outcome of a transaction.
func (s *Store) ExecutionResult(hash chainhash.Hash) (fn.Option[ExecutionResult], error) {
	var r fn.Option[ExecutionResult]
	err := s.View(func(snap *Snapshot) error {
		var err error
		r, err = snap.ExecutionResult(hash)
		return err
	})
	return r, err
}
