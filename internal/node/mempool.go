// Package node admits transactions into a mempool and periodically applies
// them to the ledger as blocks.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"confidential/internal/metrics"
	"confidential/internal/storage"
	"confidential/internal/transactions"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRejected is returned for transactions failing admission checks.
	ErrRejected = errors.New("transaction rejected")

	// ErrDuplicate is returned for transactions already in the mempool or
	// already executed.
	ErrDuplicate = errors.New("transaction already known")

	// ErrMempoolFull is returned when the mempool cannot take more
	// transactions.
	ErrMempoolFull = errors.New("mempool full")
)

// MempoolConfig configures transaction admission.
type MempoolConfig struct {
	// Service runs the admission checks.
	Service *transactions.Service

	// Store is consulted for transactions that already executed.
	Store *storage.Store

	// MaxSize bounds the number of pending transactions.
	MaxSize int

	// MaxConcurrency bounds the number of admission checks run in
	// parallel.
	MaxConcurrency int

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Mempool holds admitted transactions in arrival order until a block picks
// them up.
type Mempool struct {
	cfg MempoolConfig

	mu    sync.Mutex
	txs   []transactions.Transaction
	known map[chainhash.Hash]struct{}
}

// NewMempool returns an empty mempool.
func NewMempool(cfg MempoolConfig) (*Mempool, error) {
	if cfg.Service == nil || cfg.Store == nil {
		return nil, errors.New("mempool requires a service and a store")
	}
	if cfg.MaxSize < 1 {
		return nil, errors.New("mempool size must be positive")
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Mempool{
		cfg:   cfg,
		known: make(map[chainhash.Hash]struct{}),
	}, nil
}

// Submit admits a single transaction.
func (m *Mempool) Submit(ctx context.Context, tx transactions.Transaction) error {
	return m.Admit(ctx, []transactions.Transaction{tx})[0]
}

// Admit runs the admission checks of txs in parallel and appends the ones
// passing them to the mempool in the given order. The returned slice holds
// one error per transaction, nil for admitted ones.
func (m *Mempool) Admit(ctx context.Context,
	txs []transactions.Transaction) []error {

	var (
		errs     = make([]error, len(txs))
		verified = make([]bool, len(txs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)
	for i, tx := range txs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}

			start := time.Now()
			verified[i] = tx.Verify(m.cfg.Service)
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.RecordVerify(time.Since(start))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, tx := range txs {
		if errs[i] == nil {
			errs[i] = m.add(tx, verified[i])
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordAdmission(tx.Kind().String(),
				errs[i] == nil)
		}
		if errs[i] != nil {
			log.Debugf("Rejected %v %v: %v", tx.Kind(), tx.Hash(),
				errs[i])
		}
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetMempoolSize(len(m.txs))
	}
	return errs
}

// add appends tx to the mempool. The caller must hold mu.
func (m *Mempool) add(tx transactions.Transaction, verified bool) error {
	hash := tx.Hash()
	if !verified {
		return fmt.Errorf("%w: %v %v failed verification", ErrRejected,
			tx.Kind(), hash)
	}
	if _, ok := m.known[hash]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicate, hash)
	}
	executed, err := m.cfg.Store.ExecutionResult(hash)
	if err != nil {
		return err
	}
	if executed.IsSome() {
		return fmt.Errorf("%w: %v already executed", ErrDuplicate, hash)
	}
	if len(m.txs) >= m.cfg.MaxSize {
		return ErrMempoolFull
	}

	m.txs = append(m.txs, tx)
	m.known[hash] = struct{}{}
	log.Tracef("Admitted %v %v", tx.Kind(), hash)
	return nil
}

// Take removes and returns up to n transactions in arrival order.
func (m *Mempool) Take(n int) []transactions.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.txs) {
		n = len(m.txs)
	}
	taken := make([]transactions.Transaction, n)
	copy(taken, m.txs[:n])
	m.txs = m.txs[n:]
	for _, tx := range taken {
		delete(m.known, tx.Hash())
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetMempoolSize(len(m.txs))
	}
	return taken
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}
