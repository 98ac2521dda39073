package storage

import (
	"bytes"
	"fmt"

	"confidential/internal/crypto"
	"confidential/internal/secrets"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// TransferStatus is the lifecycle state of a pending transfer. Accepted and
// RolledBack are terminal.
type TransferStatus uint8

const (
	StatusPending TransferStatus = iota
	StatusAccepted
	StatusRolledBack
)

var statusStrings = map[TransferStatus]string{
	StatusPending:    "pending",
	StatusAccepted:   "accepted",
	StatusRolledBack: "rolled_back",
}

// String returns the status as a human-readable name.
func (s TransferStatus) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Wallet is the ledger state of one participant.
type Wallet struct {
	PublicKey     crypto.PublicKey
	EncryptionKey secrets.EncryptionKey
	Balance       crypto.Commitment

	// HistoryLen is the number of entries in the wallet's history and
	// LastTx the most recent of them.
	HistoryLen uint64
	LastTx     chainhash.Hash
}

// PendingTransfer is an escrowed transfer awaiting acceptance. Despite the
// name it keeps being stored after reaching a terminal status.
type PendingTransfer struct {
	ID            chainhash.Hash
	From          crypto.PublicKey
	To            crypto.PublicKey
	Amount        crypto.Commitment
	EncryptedData secrets.EncryptedData
	CreatedAt     uint64
	ExpiresAt     uint64
	Status        TransferStatus
}

// ExecutionResult is the recorded outcome of executing a transaction.
type ExecutionResult struct {
	Height uint64
	Index  uint32

	// Success is false when the transaction failed with Code.
	Success     bool
	Code        uint8
	Description string
}

const (
	typeWalletPublicKey     tlv.Type = 0
	typeWalletEncryptionKey tlv.Type = 2
	typeWalletBalance       tlv.Type = 4
	typeWalletHistoryLen    tlv.Type = 6
	typeWalletLastTx        tlv.Type = 8

	typeTransferID            tlv.Type = 0
	typeTransferFrom          tlv.Type = 2
	typeTransferTo            tlv.Type = 4
	typeTransferAmount        tlv.Type = 6
	typeTransferEncryptedData tlv.Type = 8
	typeTransferCreatedAt     tlv.Type = 10
	typeTransferExpiresAt     tlv.Type = 12
	typeTransferStatus        tlv.Type = 14

	typeResultHeight      tlv.Type = 0
	typeResultIndex       tlv.Type = 2
	typeResultSuccess     tlv.Type = 4
	typeResultCode        tlv.Type = 6
	typeResultDescription tlv.Type = 8
)

func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStream(v []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Decode(bytes.NewReader(v))
}

func serializeWallet(w *Wallet) ([]byte, error) {
	encKey := w.EncryptionKey[:]
	balance := w.Balance.Bytes()
	balanceBytes := balance[:]

	return encodeStream(
		tlv.MakePrimitiveRecord(
			typeWalletPublicKey, (*[32]byte)(&w.PublicKey),
		),
		tlv.MakePrimitiveRecord(typeWalletEncryptionKey, &encKey),
		tlv.MakePrimitiveRecord(typeWalletBalance, &balanceBytes),
		tlv.MakePrimitiveRecord(typeWalletHistoryLen, &w.HistoryLen),
		tlv.MakePrimitiveRecord(
			typeWalletLastTx, (*[32]byte)(&w.LastTx),
		),
	)
}

func deserializeWallet(v []byte) (*Wallet, error) {
	var (
		w            Wallet
		encKey       []byte
		balanceBytes []byte
	)
	err := decodeStream(v,
		tlv.MakePrimitiveRecord(
			typeWalletPublicKey, (*[32]byte)(&w.PublicKey),
		),
		tlv.MakePrimitiveRecord(typeWalletEncryptionKey, &encKey),
		tlv.MakePrimitiveRecord(typeWalletBalance, &balanceBytes),
		tlv.MakePrimitiveRecord(typeWalletHistoryLen, &w.HistoryLen),
		tlv.MakePrimitiveRecord(
			typeWalletLastTx, (*[32]byte)(&w.LastTx),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet: %v", ErrCorruptRecord, err)
	}

	if len(encKey) != secrets.EncryptionKeySize {
		return nil, fmt.Errorf("%w: wallet encryption key length %d",
			ErrCorruptRecord, len(encKey))
	}
	copy(w.EncryptionKey[:], encKey)

	w.Balance, err = crypto.ParseCommitment(balanceBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet balance: %v",
			ErrCorruptRecord, err)
	}
	return &w, nil
}

func serializeTransfer(t *PendingTransfer) ([]byte, error) {
	amount := t.Amount.Bytes()
	amountBytes := amount[:]
	encData := t.EncryptedData.Bytes()
	status := uint8(t.Status)

	return encodeStream(
		tlv.MakePrimitiveRecord(typeTransferID, (*[32]byte)(&t.ID)),
		tlv.MakePrimitiveRecord(typeTransferFrom, (*[32]byte)(&t.From)),
		tlv.MakePrimitiveRecord(typeTransferTo, (*[32]byte)(&t.To)),
		tlv.MakePrimitiveRecord(typeTransferAmount, &amountBytes),
		tlv.MakePrimitiveRecord(typeTransferEncryptedData, &encData),
		tlv.MakePrimitiveRecord(typeTransferCreatedAt, &t.CreatedAt),
		tlv.MakePrimitiveRecord(typeTransferExpiresAt, &t.ExpiresAt),
		tlv.MakePrimitiveRecord(typeTransferStatus, &status),
	)
}

func deserializeTransfer(v []byte) (*PendingTransfer, error) {
	var (
		t           PendingTransfer
		amountBytes []byte
		encData     []byte
		status      uint8
	)
	err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeTransferID, (*[32]byte)(&t.ID)),
		tlv.MakePrimitiveRecord(typeTransferFrom, (*[32]byte)(&t.From)),
		tlv.MakePrimitiveRecord(typeTransferTo, (*[32]byte)(&t.To)),
		tlv.MakePrimitiveRecord(typeTransferAmount, &amountBytes),
		tlv.MakePrimitiveRecord(typeTransferEncryptedData, &encData),
		tlv.MakePrimitiveRecord(typeTransferCreatedAt, &t.CreatedAt),
		tlv.MakePrimitiveRecord(typeTransferExpiresAt, &t.ExpiresAt),
		tlv.MakePrimitiveRecord(typeTransferStatus, &status),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer: %v", ErrCorruptRecord, err)
	}

	t.Amount, err = crypto.ParseCommitment(amountBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer amount: %v",
			ErrCorruptRecord, err)
	}
	t.EncryptedData, err = secrets.ParseEncryptedData(encData)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer payload: %v",
			ErrCorruptRecord, err)
	}
	t.Status = TransferStatus(status)
	if _, ok := statusStrings[t.Status]; !ok {
		return nil, fmt.Errorf("%w: transfer status %d",
			ErrCorruptRecord, status)
	}
	return &t, nil
}

func serializeResult(r *ExecutionResult) ([]byte, error) {
	var success uint8
	if r.Success {
		success = 1
	}
	desc := []byte(r.Description)

	return encodeStream(
		tlv.MakePrimitiveRecord(typeResultHeight, &r.Height),
		tlv.MakePrimitiveRecord(typeResultIndex, &r.Index),
		tlv.MakePrimitiveRecord(typeResultSuccess, &success),
		tlv.MakePrimitiveRecord(typeResultCode, &r.Code),
		tlv.MakePrimitiveRecord(typeResultDescription, &desc),
	)
}

func deserializeResult(v []byte) (*ExecutionResult, error) {
	var (
		r       ExecutionResult
		success uint8
		desc    []byte
	)
	err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeResultHeight, &r.Height),
		tlv.MakePrimitiveRecord(typeResultIndex, &r.Index),
		tlv.MakePrimitiveRecord(typeResultSuccess, &success),
		tlv.MakePrimitiveRecord(typeResultCode, &r.Code),
		tlv.MakePrimitiveRecord(typeResultDescription, &desc),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: result: %v", ErrCorruptRecord, err)
	}
	r.Success = success == 1
	r.Description = string(desc)
	return &r, nil
}
