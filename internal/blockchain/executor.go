// Package blockchain applies ordered blocks of transactions to the ledger.
//
// Applying the block at height h happens in three steps:
//
//  1. The ledger height is set to h and every Pending transfer with an
//     expiry height of at most h is rolled back, in one database
//     transaction.
//  2. Each transaction of the block is executed in order inside its own
//     database transaction. A transaction failing with an execution error
//     leaves no trace besides its recorded result.
//  3. The outcome of every transaction is persisted under its hash.
//
// Storage failures abort the block and are returned to the caller.
package blockchain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"confidential/internal/crypto"
	"confidential/internal/storage"
	"confidential/internal/transactions"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrStaleHeight is returned when a block does not extend the ledger.
	ErrStaleHeight = errors.New("block height does not extend the ledger")

	// ErrGenesisApplied is returned when seeding a ledger that already
	// applied blocks.
	ErrGenesisApplied = errors.New("ledger already past genesis")
)

// Block is an ordered list of transactions applied at Height.
type Block struct {
	Height       uint64
	Transactions []transactions.Transaction
}

// TxResult is the outcome of one transaction of a block.
type TxResult struct {
	Hash   chainhash.Hash
	Kind   transactions.Kind
	Result storage.ExecutionResult
}

// Code returns the execution error code of a failed transaction.
func (r TxResult) Code() transactions.ErrorCode {
	return transactions.ErrorCode(r.Result.Code)
}

// BlockSummary describes what applying a block did.
type BlockSummary struct {
	Height uint64

	// RolledBack lists the transfers that expired at this height.
	RolledBack []storage.PendingTransfer

	// Results holds one entry per executed transaction, in block order.
	Results []TxResult

	// Duplicates lists transactions skipped because an earlier block
	// already executed them.
	Duplicates []chainhash.Hash

	Elapsed time.Duration
}

// Allocation seeds a wallet with a balance at genesis.
type Allocation struct {
	Key     crypto.PublicKey
	Balance crypto.Commitment
}

// Genesis is the initial ledger content.
type Genesis struct {
	Allocations []Allocation
}

// Executor applies blocks to a store. Blocks are applied one at a time.
type Executor struct {
	mu    sync.Mutex
	svc   *transactions.Service
	store *storage.Store
}

// NewExecutor returns an executor running transactions of svc against
// store.
func NewExecutor(svc *transactions.Service, store *storage.Store) *Executor {
	return &Executor{svc: svc, store: store}
}

// Height returns the height of the last applied block.
func (e *Executor) Height() (uint64, error) {
	return e.store.Height()
}

// InitGenesis creates the allocated wallets. It may only run before the
// first block; allocations whose wallet already exists are left alone so
// that a node restarted before its first block can seed again.
func (e *Executor) InitGenesis(g Genesis) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.store.Update(func(s *storage.Schema) error {
		if s.Height() != 0 {
			return ErrGenesisApplied
		}
		for _, a := range g.Allocations {
			existing, err := s.Wallet(a.Key)
			if err != nil {
				return err
			}
			if existing.IsSome() {
				log.Debugf("Genesis wallet %v already present", a.Key)
				continue
			}

			balance := a.Balance.Bytes()
			hash := chainhash.HashH(append(a.Key[:], balance[:]...))
			_, err = s.CreateFundedWallet(a.Key, a.Balance, hash)
			if err != nil {
				return fmt.Errorf("genesis wallet %v: %w", a.Key, err)
			}
		}
		log.Infof("Seeded ledger with %d genesis wallets",
			len(g.Allocations))
		return nil
	})
}

// ApplyBlock applies b on top of the ledger. The rollback pass for b.Height
// runs before any transaction of b, so a transfer expiring at b.Height can
// no longer be accepted by b.
func (e *Executor) ApplyBlock(b Block) (*BlockSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	summary := &BlockSummary{Height: b.Height}

	err := e.store.Update(func(s *storage.Schema) error {
		if current := s.Height(); b.Height <= current {
			return fmt.Errorf("%w: block %d, ledger at %d",
				ErrStaleHeight, b.Height, current)
		}
		if err := s.SetHeight(b.Height); err != nil {
			return err
		}
		rolledBack, err := s.RollbackExpired(b.Height)
		if err != nil {
			return err
		}
		summary.RolledBack = rolledBack
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("begin block %d: %w", b.Height, err)
	}
	for _, t := range summary.RolledBack {
		log.Infof("Rolled back transfer %v to %v at height %d",
			t.ID, t.From, b.Height)
	}

	for i, tx := range b.Transactions {
		res, duplicate, err := e.applyTx(b.Height, uint32(i), tx)
		if err != nil {
			return nil, fmt.Errorf("block %d tx %d (%v): %w",
				b.Height, i, tx.Hash(), err)
		}
		if duplicate {
			log.Warnf("Skipping already executed transaction %v",
				tx.Hash())
			summary.Duplicates = append(summary.Duplicates, tx.Hash())
			continue
		}
		summary.Results = append(summary.Results, TxResult{
			Hash:   tx.Hash(),
			Kind:   tx.Kind(),
			Result: res,
		})
	}

	summary.Elapsed = time.Since(start)
	log.Debugf("Applied block %d: %d transactions, %d rollbacks in %v",
		b.Height, len(summary.Results), len(summary.RolledBack),
		summary.Elapsed)

	return summary, nil
}

// applyTx executes tx at height. On an execution error its mutations are
// discarded and only the failed result is stored.
func (e *Executor) applyTx(height uint64, index uint32,
	tx transactions.Transaction) (storage.ExecutionResult, bool, error) {

	var (
		hash      = tx.Hash()
		duplicate bool
		execErr   *transactions.ExecError
		result    = storage.ExecutionResult{
			Height:  height,
			Index:   index,
			Success: true,
		}
	)
	err := e.store.Update(func(s *storage.Schema) error {
		prior, err := s.ExecutionResult(hash)
		if err != nil {
			return err
		}
		if prior.IsSome() {
			duplicate = true
			return nil
		}

		err = tx.Execute(e.svc, s)
		if ee, ok := transactions.IsExecError(err); ok {
			execErr = ee
			return ee
		}
		if err != nil {
			return err
		}
		return s.PutExecutionResult(hash, result)
	})
	switch {
	case execErr != nil:
	case err != nil:
		return result, false, err
	default:
		log.Tracef("Executed %v %v", tx.Kind(), hash)
		return result, duplicate, nil
	}

	log.Debugf("%v %v failed: %v", tx.Kind(), hash, execErr)

	result.Success = false
	result.Code = uint8(execErr.Code)
	result.Description = execErr.Description
	err = e.store.Update(func(s *storage.Schema) error {
		return s.PutExecutionResult(hash, result)
	})
	if err != nil {
		return result, false, err
	}
	return result, false, nil
}
