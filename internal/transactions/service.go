// Package transactions implements the confidential transfer protocol:
// wallet creation, two-phase transfers between wallets and their
// acceptance.
//
// Every transaction is checked twice. Verify is a pure function of the
// transaction and the service configuration, run at admission. Execute runs
// during block application against the current ledger state and either
// applies all of its mutations or fails with an ExecError.
package transactions

import (
	"errors"
	"fmt"

	"confidential/internal/crypto"
	"confidential/internal/storage"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ServiceID identifies the confidential transfer service in transaction
// envelopes.
const ServiceID uint16 = 1

// DelayBounds is the half-open range [Start, End) of admissible rollback
// delays, in blocks.
type DelayBounds struct {
	Start uint32
	End   uint32
}

// Contains reports whether Start <= delay < End.
func (b DelayBounds) Contains(delay uint32) bool {
	return b.Start <= delay && delay < b.End
}

// String formats the bounds as a half-open interval.
func (b DelayBounds) String() string {
	return fmt.Sprintf("[%d, %d)", b.Start, b.End)
}

// Config holds the process-wide protocol parameters. It is loaded once at
// startup and never changes afterwards.
type Config struct {
	// MinTransferAmount is the smallest amount a transfer may carry.
	MinTransferAmount uint64

	// RollbackDelayBounds limits the delay a sender may request before
	// an unaccepted transfer is reversed.
	RollbackDelayBounds DelayBounds
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	b := c.RollbackDelayBounds
	if b.End <= b.Start {
		return fmt.Errorf("empty rollback delay range [%d, %d)",
			b.Start, b.End)
	}
	return nil
}

// Service binds the protocol configuration to a range proof verifier.
type Service struct {
	cfg         Config
	minTransfer crypto.Commitment
	verifier    crypto.RangeVerifier
}

// NewService validates cfg and returns a service using verifier for range
// proofs.
func NewService(cfg Config, verifier crypto.RangeVerifier) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, errors.New("range proof verifier required")
	}
	return &Service{
		cfg:         cfg,
		minTransfer: crypto.CommitAmount(cfg.MinTransferAmount),
		verifier:    verifier,
	}, nil
}

// Config returns the protocol configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// MinTransferCommitment is the published zero-blinding commitment to the
// minimum transfer amount.
func (s *Service) MinTransferCommitment() crypto.Commitment {
	return s.minTransfer
}

// Schema is the ledger state a transaction executes against.
type Schema interface {
	// Height is the height of the block being applied.
	Height() uint64

	Wallet(pk crypto.PublicKey) (fn.Option[storage.Wallet], error)

	// MaybeTransfer only returns Pending transfers.
	MaybeTransfer(id chainhash.Hash) (fn.Option[storage.PendingTransfer], error)

	CreateWallet(pk crypto.PublicKey, txHash chainhash.Hash) (*storage.Wallet, error)

	UpdateSender(sender storage.Wallet, amount crypto.Commitment,
		txHash chainhash.Hash) (*storage.Wallet, error)

	AddUnacceptedPayment(receiver storage.Wallet, t storage.PendingTransfer) error

	AcceptPayment(receiver storage.Wallet, t storage.PendingTransfer,
		txHash chainhash.Hash) error
}

// Transaction is a signed request to the service.
type Transaction interface {
	// Kind identifies the message type.
	Kind() Kind

	// Hash uniquely identifies the transaction.
	Hash() chainhash.Hash

	// Author is the key that signed the transaction.
	Author() crypto.PublicKey

	// Verify performs the stateless admission checks.
	Verify(svc *Service) bool

	// Execute applies the transaction to the ledger. Failures of the
	// stateful checks are returned as *ExecError.
	Execute(svc *Service, schema Schema) error

	// Bytes is the canonical wire encoding.
	Bytes() []byte
}

// IsExecError reports whether err is a protocol outcome rather than a
// storage failure and returns it.
func IsExecError(err error) (*ExecError, bool) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}
