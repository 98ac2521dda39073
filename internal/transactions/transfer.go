package transactions

import (
	"bytes"
	"fmt"

	"confidential/internal/crypto"
	"confidential/internal/secrets"
	"confidential/internal/storage"

	"github.com/lightningnetwork/lnd/tlv"
)

// Transfer moves a hidden amount from one wallet into escrow for another.
// The sender is debited when the transfer executes; the receiver is only
// credited by a matching Accept. If no Accept executes within RollbackDelay
// blocks the amount returns to the sender.
type Transfer struct {
	envelope

	From          crypto.PublicKey
	To            crypto.PublicKey
	RollbackDelay uint32

	// Amount commits to the transferred value.
	Amount crypto.Commitment

	// AmountProof shows that Amount minus the minimum transfer amount is
	// non-negative.
	AmountProof crypto.RangeProof

	// SufficientBalanceProof shows that the sender's balance minus Amount
	// is non-negative.
	SufficientBalanceProof crypto.RangeProof

	// EncryptedData carries the opening of Amount to the receiver.
	EncryptedData secrets.EncryptedData
}

// TransferFields are the signed contents of a Transfer.
type TransferFields struct {
	To                     crypto.PublicKey
	RollbackDelay          uint32
	Amount                 crypto.Commitment
	AmountProof            crypto.RangeProof
	SufficientBalanceProof crypto.RangeProof
	EncryptedData          secrets.EncryptedData
}

// NewTransfer builds a Transfer from kp signed by kp. See BuildTransfer for
// producing the commitment, proofs and payload.
func NewTransfer(kp *crypto.KeyPair, f TransferFields) (*Transfer, error) {
	tx := &Transfer{
		From:                   kp.Public,
		To:                     f.To,
		RollbackDelay:          f.RollbackDelay,
		Amount:                 f.Amount,
		AmountProof:            f.AmountProof,
		SufficientBalanceProof: f.SufficientBalanceProof,
		EncryptedData:          f.EncryptedData,
	}
	payload, err := tx.encodePayload()
	if err != nil {
		return nil, err
	}
	tx.envelope, err = seal(KindTransfer, payload, kp)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *Transfer) encodePayload() ([]byte, error) {
	var (
		amount       = tx.Amount.Bytes()
		amountBytes  = amount[:]
		amountProof  = []byte(tx.AmountProof)
		balanceProof = []byte(tx.SufficientBalanceProof)
		encData      = tx.EncryptedData.Bytes()
	)
	return encodeStream(
		tlv.MakePrimitiveRecord(typeTransferFrom, (*[32]byte)(&tx.From)),
		tlv.MakePrimitiveRecord(typeTransferTo, (*[32]byte)(&tx.To)),
		tlv.MakePrimitiveRecord(
			typeTransferRollbackDelay, &tx.RollbackDelay,
		),
		tlv.MakePrimitiveRecord(typeTransferAmount, &amountBytes),
		tlv.MakePrimitiveRecord(typeTransferAmountProof, &amountProof),
		tlv.MakePrimitiveRecord(
			typeTransferSufficientBalanceProof, &balanceProof,
		),
		tlv.MakePrimitiveRecord(typeTransferEncryptedData, &encData),
	)
}

func decodeTransfer(env envelope) (*Transfer, error) {
	var (
		tx           = &Transfer{envelope: env}
		amountBytes  []byte
		amountProof  []byte
		balanceProof []byte
		encData      []byte
	)
	err := decodeStream(env.payload,
		tlv.MakePrimitiveRecord(typeTransferFrom, (*[32]byte)(&tx.From)),
		tlv.MakePrimitiveRecord(typeTransferTo, (*[32]byte)(&tx.To)),
		tlv.MakePrimitiveRecord(
			typeTransferRollbackDelay, &tx.RollbackDelay,
		),
		tlv.MakePrimitiveRecord(typeTransferAmount, &amountBytes),
		tlv.MakePrimitiveRecord(typeTransferAmountProof, &amountProof),
		tlv.MakePrimitiveRecord(
			typeTransferSufficientBalanceProof, &balanceProof,
		),
		tlv.MakePrimitiveRecord(typeTransferEncryptedData, &encData),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer payload: %v",
			ErrMalformedTransaction, err)
	}

	tx.Amount, err = crypto.ParseCommitment(amountBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer amount: %v",
			ErrMalformedTransaction, err)
	}
	if len(amountProof) > crypto.MaxRangeProofSize ||
		len(balanceProof) > crypto.MaxRangeProofSize {

		return nil, fmt.Errorf("%w: transfer proof: %v",
			ErrMalformedTransaction, crypto.ErrProofTooLarge)
	}
	tx.AmountProof = amountProof
	tx.SufficientBalanceProof = balanceProof

	tx.EncryptedData, err = secrets.ParseEncryptedData(encData)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer payload: %v",
			ErrMalformedTransaction, err)
	}

	// Commitments have a single valid encoding, so a mismatch means the
	// stream itself was not canonical.
	reencoded, err := tx.encodePayload()
	if err != nil || !bytes.Equal(reencoded, env.payload) {
		return nil, fmt.Errorf("%w: non-canonical transfer payload",
			ErrMalformedTransaction)
	}
	return tx, nil
}

// Author returns the sender.
func (tx *Transfer) Author() crypto.PublicKey {
	return tx.From
}

// Verify performs the stateless checks: the rollback delay is within
// bounds, the transfer is not to self, the sender signed it and the amount
// is at least the minimum transfer amount.
func (tx *Transfer) Verify(svc *Service) bool {
	if !svc.cfg.RollbackDelayBounds.Contains(tx.RollbackDelay) {
		log.Debugf("Transfer %v: rollback delay %d outside %v",
			tx.Hash(), tx.RollbackDelay, svc.cfg.RollbackDelayBounds)
		return false
	}
	if tx.From == tx.To {
		log.Debugf("Transfer %v: sender equals receiver", tx.Hash())
		return false
	}
	if !tx.verifySignature(tx.From) {
		log.Debugf("Transfer %v: bad signature", tx.Hash())
		return false
	}

	excess := tx.Amount.Sub(svc.minTransfer)
	if !svc.verifier.Verify(tx.AmountProof, excess) {
		log.Debugf("Transfer %v: amount proof rejected", tx.Hash())
		return false
	}
	return true
}

// Execute debits the sender and records a Pending transfer. The sufficient
// balance proof is checked against the sender's balance at execution time,
// so a proof built for a balance that has since changed fails with
// IncorrectProof.
func (tx *Transfer) Execute(svc *Service, schema Schema) error {
	senderOpt, err := schema.Wallet(tx.From)
	if err != nil {
		return err
	}
	sender, err := senderOpt.UnwrapOrErr(execError(UnregisteredSender,
		fmt.Sprintf("sender %v has no wallet", tx.From)))
	if err != nil {
		return err
	}

	receiverOpt, err := schema.Wallet(tx.To)
	if err != nil {
		return err
	}
	receiver, err := receiverOpt.UnwrapOrErr(execError(UnregisteredReceiver,
		fmt.Sprintf("receiver %v has no wallet", tx.To)))
	if err != nil {
		return err
	}

	remaining := sender.Balance.Sub(tx.Amount)
	if !svc.verifier.Verify(tx.SufficientBalanceProof, remaining) {
		return execError(IncorrectProof, fmt.Sprintf("sufficient "+
			"balance proof does not match balance of %v", tx.From))
	}

	if _, err := schema.UpdateSender(sender, tx.Amount, tx.Hash()); err != nil {
		return err
	}

	height := schema.Height()
	return schema.AddUnacceptedPayment(receiver, storage.PendingTransfer{
		ID:            tx.Hash(),
		From:          tx.From,
		To:            tx.To,
		Amount:        tx.Amount,
		EncryptedData: tx.EncryptedData,
		CreatedAt:     height,
		ExpiresAt:     height + uint64(tx.RollbackDelay),
		Status:        storage.StatusPending,
	})
}
