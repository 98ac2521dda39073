// schema.go - Ledger layout on top of walletdb.
//
// All ledger data lives below a single top-level bucket:
//
//   wallets    pubkey -> wallet record
//   transfers  transfer id -> transfer record (every status)
//   expiry     expires_at (8 bytes BE) || id -> nil, Pending transfers only
//   incoming   receiver pubkey || id -> nil, Pending transfers only
//   history    pubkey || seq (8 bytes BE) -> transaction hash
//   results    transaction hash -> execution result
//   meta       "height" -> current block height (8 bytes BE)

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"confidential/internal/crypto"
	"confidential/internal/secrets"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var byteOrder = binary.BigEndian

var (
	// namespaceKey is the top-level bucket of the ledger.
	namespaceKey = []byte("confidential-ledger")

	bucketWallets   = []byte("wallets")
	bucketTransfers = []byte("transfers")
	bucketExpiry    = []byte("expiry")
	bucketIncoming  = []byte("incoming")
	bucketHistory   = []byte("history")
	bucketResults   = []byte("results")
	bucketMeta      = []byte("meta")

	metaHeight = []byte("height")
)

var (
	// ErrWalletExists is returned when creating a wallet for a key that is
	// already registered.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrUnknownWallet is returned when a mutation references a wallet
	// that is not stored.
	ErrUnknownWallet = errors.New("unknown wallet")

	// ErrNotPending is returned when a mutation expects a Pending
	// transfer.
	ErrNotPending = errors.New("transfer is not pending")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt ledger record")

	// ErrNoNamespace is returned when the ledger buckets were never
	// created.
	ErrNoNamespace = errors.New("ledger namespace not found")
)

// createBuckets creates the ledger namespace and its buckets if missing.
func createBuckets(tx walletdb.ReadWriteTx) error {
	ns := tx.ReadWriteBucket(namespaceKey)
	if ns == nil {
		var err error
		ns, err = tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return err
		}
	}
	for _, key := range [][]byte{
		bucketWallets, bucketTransfers, bucketExpiry, bucketIncoming,
		bucketHistory, bucketResults, bucketMeta,
	} {
		if _, err := ns.CreateBucketIfNotExists(key); err != nil {
			return fmt.Errorf("create bucket %s: %w", key, err)
		}
	}
	return nil
}

func keyExpiry(expiresAt uint64, id *chainhash.Hash) []byte {
	k := make([]byte, 8+chainhash.HashSize)
	byteOrder.PutUint64(k[:8], expiresAt)
	copy(k[8:], id[:])
	return k
}

func keyIncoming(to *crypto.PublicKey, id *chainhash.Hash) []byte {
	k := make([]byte, crypto.PublicKeySize+chainhash.HashSize)
	copy(k, to[:])
	copy(k[crypto.PublicKeySize:], id[:])
	return k
}

func keyHistory(pk *crypto.PublicKey, seq uint64) []byte {
	k := make([]byte, crypto.PublicKeySize+8)
	copy(k, pk[:])
	byteOrder.PutUint64(k[crypto.PublicKeySize:], seq)
	return k
}

// Snapshot is a read-only view of the ledger.
type Snapshot struct {
	ns walletdb.ReadBucket
}

// NewSnapshot returns a view of the ledger namespace in tx.
func NewSnapshot(tx walletdb.ReadTx) (*Snapshot, error) {
	ns := tx.ReadBucket(namespaceKey)
	if ns == nil {
		return nil, ErrNoNamespace
	}
	return &Snapshot{ns: ns}, nil
}

// Height returns the height of the last applied block.
func (s *Snapshot) Height() uint64 {
	v := s.ns.NestedReadBucket(bucketMeta).Get(metaHeight)
	if len(v) != 8 {
		return 0
	}
	return byteOrder.Uint64(v)
}

// Wallet looks up the wallet registered for pk.
func (s *Snapshot) Wallet(pk crypto.PublicKey) (fn.Option[Wallet], error) {
	v := s.ns.NestedReadBucket(bucketWallets).Get(pk[:])
	if v == nil {
		return fn.None[Wallet](), nil
	}
	w, err := deserializeWallet(v)
	if err != nil {
		return fn.None[Wallet](), err
	}
	return fn.Some(*w), nil
}

// Transfer looks up a transfer by id regardless of its status.
func (s *Snapshot) Transfer(id chainhash.Hash) (fn.Option[PendingTransfer], error) {
	v := s.ns.NestedReadBucket(bucketTransfers).Get(id[:])
	if v == nil {
		return fn.None[PendingTransfer](), nil
	}
	t, err := deserializeTransfer(v)
	if err != nil {
		return fn.None[PendingTransfer](), err
	}
	return fn.Some(*t), nil
}

// MaybeTransfer returns the transfer with the given id only while it is
// Pending. Unknown and terminal transfers are indistinguishable.
func (s *Snapshot) MaybeTransfer(id chainhash.Hash) (fn.Option[PendingTransfer], error) {
	t, err := s.Transfer(id)
	if err != nil {
		return t, err
	}
	pending := fn.None[PendingTransfer]()
	t.WhenSome(func(t PendingTransfer) {
		if t.Status == StatusPending {
			pending = fn.Some(t)
		}
	})
	return pending, nil
}

// PendingTransfers returns the Pending transfers addressed to pk, ordered
// by id.
func (s *Snapshot) PendingTransfers(pk crypto.PublicKey) ([]PendingTransfer, error) {
	var (
		incoming = s.ns.NestedReadBucket(bucketIncoming)
		c        = incoming.ReadCursor()
		ids      []chainhash.Hash
	)
	for k, _ := c.Seek(pk[:]); k != nil; k, _ = c.Next() {
		if len(k) != crypto.PublicKeySize+chainhash.HashSize ||
			crypto.PublicKey(k[:crypto.PublicKeySize]) != pk {

			break
		}
		var id chainhash.Hash
		copy(id[:], k[crypto.PublicKeySize:])
		ids = append(ids, id)
	}

	transfers := make([]PendingTransfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.Transfer(id)
		if err != nil {
			return nil, err
		}
		rec, err := t.UnwrapOrErr(fmt.Errorf("%w: dangling incoming "+
			"index entry %v", ErrCorruptRecord, id))
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, rec)
	}
	return transfers, nil
}

// WalletHistory returns the hashes of transactions that touched the wallet,
// oldest first.
func (s *Snapshot) WalletHistory(pk crypto.PublicKey) ([]chainhash.Hash, error) {
	var (
		history = s.ns.NestedReadBucket(bucketHistory)
		c       = history.ReadCursor()
		hashes  []chainhash.Hash
	)
	for k, v := c.Seek(pk[:]); k != nil; k, v = c.Next() {
		if len(k) != crypto.PublicKeySize+8 ||
			crypto.PublicKey(k[:crypto.PublicKeySize]) != pk {

			break
		}
		if len(v) != chainhash.HashSize {
			return nil, fmt.Errorf("%w: history entry length %d",
				ErrCorruptRecord, len(v))
		}
		var h chainhash.Hash
		copy(h[:], v)
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// ExecutionResult returns the recorded outcome of a transaction.
func (s *Snapshot) ExecutionResult(hash chainhash.Hash) (fn.Option[ExecutionResult], error) {
	v := s.ns.NestedReadBucket(bucketResults).Get(hash[:])
	if v == nil {
		return fn.None[ExecutionResult](), nil
	}
	r, err := deserializeResult(v)
	if err != nil {
		return fn.None[ExecutionResult](), err
	}
	return fn.Some(*r), nil
}

// Schema is a mutable view of the ledger bound to one database
// transaction. Every mutation is discarded if the database transaction is
// rolled back.
type Schema struct {
	Snapshot
	rw walletdb.ReadWriteBucket
}

// NewSchema returns a mutable view of the ledger namespace in tx.
func NewSchema(tx walletdb.ReadWriteTx) (*Schema, error) {
	ns := tx.ReadWriteBucket(namespaceKey)
	if ns == nil {
		return nil, ErrNoNamespace
	}
	return &Schema{Snapshot: Snapshot{ns: ns}, rw: ns}, nil
}

// SetHeight records the height of the block being applied.
func (s *Schema) SetHeight(height uint64) error {
	v := make([]byte, 8)
	byteOrder.PutUint64(v, height)
	return s.rw.NestedReadWriteBucket(bucketMeta).Put(metaHeight, v)
}

func (s *Schema) putWallet(w *Wallet) error {
	v, err := serializeWallet(w)
	if err != nil {
		return err
	}
	return s.rw.NestedReadWriteBucket(bucketWallets).Put(w.PublicKey[:], v)
}

func (s *Schema) putTransfer(t *PendingTransfer) error {
	v, err := serializeTransfer(t)
	if err != nil {
		return err
	}
	return s.rw.NestedReadWriteBucket(bucketTransfers).Put(t.ID[:], v)
}

// appendHistory adds hash to the history of w and updates its counters. The
// caller stores w afterwards.
func (s *Schema) appendHistory(w *Wallet, hash chainhash.Hash) error {
	history := s.rw.NestedReadWriteBucket(bucketHistory)
	err := history.Put(keyHistory(&w.PublicKey, w.HistoryLen), hash[:])
	if err != nil {
		return err
	}
	w.HistoryLen++
	w.LastTx = hash
	return nil
}

// CreateWallet registers a wallet for pk with a zero balance.
func (s *Schema) CreateWallet(pk crypto.PublicKey, txHash chainhash.Hash) (*Wallet, error) {
	existing, err := s.Wallet(pk)
	if err != nil {
		return nil, err
	}
	if existing.IsSome() {
		return nil, ErrWalletExists
	}

	encKey, err := secrets.DeriveEncryptionKey(pk)
	if err != nil {
		return nil, err
	}
	w := &Wallet{
		PublicKey:     pk,
		EncryptionKey: encKey,
		Balance:       crypto.Zero(),
	}
	if err := s.appendHistory(w, txHash); err != nil {
		return nil, err
	}
	if err := s.putWallet(w); err != nil {
		return nil, err
	}

	log.Debugf("Created wallet %v", pk)
	return w, nil
}

// CreateFundedWallet registers a wallet for pk holding balance. It seeds
// the ledger at genesis and is never reachable from a transaction.
func (s *Schema) CreateFundedWallet(pk crypto.PublicKey, balance crypto.Commitment,
	hash chainhash.Hash) (*Wallet, error) {

	w, err := s.CreateWallet(pk, hash)
	if err != nil {
		return nil, err
	}
	w.Balance = balance
	if err := s.putWallet(w); err != nil {
		return nil, err
	}
	return w, nil
}

// UpdateSender debits amount from the sender's balance.
func (s *Schema) UpdateSender(sender Wallet, amount crypto.Commitment,
	txHash chainhash.Hash) (*Wallet, error) {

	sender.Balance = sender.Balance.Sub(amount)
	if err := s.appendHistory(&sender, txHash); err != nil {
		return nil, err
	}
	if err := s.putWallet(&sender); err != nil {
		return nil, err
	}
	return &sender, nil
}

// AddUnacceptedPayment stores t as a Pending transfer addressed to the
// receiver and indexes it by expiry height.
func (s *Schema) AddUnacceptedPayment(receiver Wallet, t PendingTransfer) error {
	if receiver.PublicKey != t.To {
		return fmt.Errorf("receiver %v does not match transfer "+
			"recipient %v", receiver.PublicKey, t.To)
	}
	t.Status = StatusPending

	if err := s.putTransfer(&t); err != nil {
		return err
	}
	err := s.rw.NestedReadWriteBucket(bucketExpiry).Put(
		keyExpiry(t.ExpiresAt, &t.ID), nil,
	)
	if err != nil {
		return err
	}
	err = s.rw.NestedReadWriteBucket(bucketIncoming).Put(
		keyIncoming(&t.To, &t.ID), nil,
	)
	if err != nil {
		return err
	}

	if err := s.appendHistory(&receiver, t.ID); err != nil {
		return err
	}
	if err := s.putWallet(&receiver); err != nil {
		return err
	}

	log.Debugf("Transfer %v from %v to %v pending until height %d",
		t.ID, t.From, t.To, t.ExpiresAt)
	return nil
}

// resolve moves t to a terminal status and drops its index entries.
func (s *Schema) resolve(t *PendingTransfer, status TransferStatus) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %v is %v", ErrNotPending, t.ID, t.Status)
	}
	t.Status = status
	if err := s.putTransfer(t); err != nil {
		return err
	}
	err := s.rw.NestedReadWriteBucket(bucketExpiry).Delete(
		keyExpiry(t.ExpiresAt, &t.ID),
	)
	if err != nil {
		return err
	}
	return s.rw.NestedReadWriteBucket(bucketIncoming).Delete(
		keyIncoming(&t.To, &t.ID),
	)
}

// AcceptPayment credits the transfer amount to the receiver and marks the
// transfer Accepted.
func (s *Schema) AcceptPayment(receiver Wallet, t PendingTransfer,
	txHash chainhash.Hash) error {

	if receiver.PublicKey != t.To {
		return fmt.Errorf("receiver %v does not match transfer "+
			"recipient %v", receiver.PublicKey, t.To)
	}
	if err := s.resolve(&t, StatusAccepted); err != nil {
		return err
	}

	receiver.Balance = receiver.Balance.Add(t.Amount)
	if err := s.appendHistory(&receiver, txHash); err != nil {
		return err
	}
	if err := s.putWallet(&receiver); err != nil {
		return err
	}

	log.Debugf("Transfer %v accepted by %v", t.ID, t.To)
	return nil
}

// RollbackExpired credits back every Pending transfer whose expiry height is
// at most height and marks it RolledBack. Transfers are processed in
// (expiry height, id) order. A transfer leaves the expiry index when it
// reaches a terminal status, so repeated calls never credit twice.
func (s *Schema) RollbackExpired(height uint64) ([]PendingTransfer, error) {
	var (
		expiry = s.rw.NestedReadWriteBucket(bucketExpiry)
		c      = expiry.ReadCursor()
		ids    []chainhash.Hash
	)
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) != 8+chainhash.HashSize {
			return nil, fmt.Errorf("%w: expiry key length %d",
				ErrCorruptRecord, len(k))
		}
		if byteOrder.Uint64(k[:8]) > height {
			break
		}
		var id chainhash.Hash
		copy(id[:], k[8:])
		ids = append(ids, id)
	}

	rolledBack := make([]PendingTransfer, 0, len(ids))
	for _, id := range ids {
		opt, err := s.Transfer(id)
		if err != nil {
			return nil, err
		}
		t, err := opt.UnwrapOrErr(fmt.Errorf("%w: dangling expiry "+
			"index entry %v", ErrCorruptRecord, id))
		if err != nil {
			return nil, err
		}

		senderOpt, err := s.Wallet(t.From)
		if err != nil {
			return nil, err
		}
		sender, err := senderOpt.UnwrapOrErr(fmt.Errorf("%w: sender %v "+
			"of transfer %v", ErrUnknownWallet, t.From, id))
		if err != nil {
			return nil, err
		}

		if err := s.resolve(&t, StatusRolledBack); err != nil {
			return nil, err
		}
		sender.Balance = sender.Balance.Add(t.Amount)
		if err := s.appendHistory(&sender, t.ID); err != nil {
			return nil, err
		}
		if err := s.putWallet(&sender); err != nil {
			return nil, err
		}

		log.Debugf("Transfer %v expired at height %d, refunded %v",
			t.ID, t.ExpiresAt, t.From)
		rolledBack = append(rolledBack, t)
	}
	return rolledBack, nil
}

// PutExecutionResult records the outcome of a transaction.
func (s *Schema) PutExecutionResult(hash chainhash.Hash, r ExecutionResult) error {
	v, err := serializeResult(&r)
	if err != nil {
		return err
	}
	return s.rw.NestedReadWriteBucket(bucketResults).Put(hash[:], v)
}
