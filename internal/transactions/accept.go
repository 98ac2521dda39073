package transactions

import (
	"fmt"

	"confidential/internal/crypto"
	"confidential/internal/storage"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// Accept claims a Pending transfer on behalf of its receiver.
type Accept struct {
	envelope

	Receiver   crypto.PublicKey
	TransferID chainhash.Hash
}

// NewAccept builds an Accept of transferID signed by kp.
func NewAccept(kp *crypto.KeyPair, transferID chainhash.Hash) (*Accept, error) {
	tx := &Accept{Receiver: kp.Public, TransferID: transferID}
	payload, err := tx.encodePayload()
	if err != nil {
		return nil, err
	}
	tx.envelope, err = seal(KindAccept, payload, kp)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *Accept) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(
			typeAcceptReceiver, (*[32]byte)(&tx.Receiver),
		),
		tlv.MakePrimitiveRecord(
			typeAcceptTransferID, (*[32]byte)(&tx.TransferID),
		),
	}
}

func (tx *Accept) encodePayload() ([]byte, error) {
	return encodeStream(tx.records()...)
}

func decodeAccept(env envelope) (*Accept, error) {
	tx := &Accept{envelope: env}
	err := decodePayload(env, tx.encodePayload, tx.records()...)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Author returns the receiver.
func (tx *Accept) Author() crypto.PublicKey {
	return tx.Receiver
}

// Verify checks that the transaction is signed by the receiver.
func (tx *Accept) Verify(_ *Service) bool {
	return tx.verifySignature(tx.Receiver)
}

// Execute credits the transfer amount to the receiver. Transfers that never
// existed and transfers that are already Accepted or RolledBack both fail
// with UnknownTransfer.
func (tx *Accept) Execute(_ *Service, schema Schema) error {
	transferOpt, err := schema.MaybeTransfer(tx.TransferID)
	if err != nil {
		return err
	}
	transfer, err := transferOpt.UnwrapOrErr(execError(UnknownTransfer,
		fmt.Sprintf("no pending transfer %v", tx.TransferID)))
	if err != nil {
		return err
	}

	if transfer.To != tx.Receiver {
		return execError(UnauthorizedAccept,
			fmt.Sprintf("transfer %v is addressed to %v, not %v",
				tx.TransferID, transfer.To, tx.Receiver))
	}

	// Wallets are never deleted, so the receiver of a Pending transfer is
	// always registered.
	receiverOpt, err := schema.Wallet(tx.Receiver)
	if err != nil {
		return err
	}
	receiver, err := receiverOpt.UnwrapOrErr(fmt.Errorf("%w: receiver %v",
		storage.ErrUnknownWallet, tx.Receiver))
	if err != nil {
		return err
	}

	return schema.AcceptPayment(receiver, transfer, tx.Hash())
}
