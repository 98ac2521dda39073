package transactions

import (
	"errors"
	"fmt"

	"confidential/internal/crypto"
	"confidential/internal/storage"

	"github.com/lightningnetwork/lnd/tlv"
)

// CreateWallet registers a wallet for Key. The wallet's encryption key is
// derived from Key and its balance starts as a commitment to zero.
type CreateWallet struct {
	envelope

	Key crypto.PublicKey
}

// NewCreateWallet builds a CreateWallet signed by kp.
func NewCreateWallet(kp *crypto.KeyPair) (*CreateWallet, error) {
	tx := &CreateWallet{Key: kp.Public}
	payload, err := tx.encodePayload()
	if err != nil {
		return nil, err
	}
	tx.envelope, err = seal(KindCreateWallet, payload, kp)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *CreateWallet) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeCreateWalletKey, (*[32]byte)(&tx.Key)),
	}
}

func (tx *CreateWallet) encodePayload() ([]byte, error) {
	return encodeStream(tx.records()...)
}

func decodeCreateWallet(env envelope) (*CreateWallet, error) {
	tx := &CreateWallet{envelope: env}
	err := decodePayload(env, tx.encodePayload, tx.records()...)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Author returns the wallet key.
func (tx *CreateWallet) Author() crypto.PublicKey {
	return tx.Key
}

// Verify checks that the transaction is signed by the key it registers.
func (tx *CreateWallet) Verify(_ *Service) bool {
	return tx.verifySignature(tx.Key)
}

// Execute creates the wallet, failing with WalletExists if the key is
// already registered.
func (tx *CreateWallet) Execute(_ *Service, schema Schema) error {
	_, err := schema.CreateWallet(tx.Key, tx.Hash())
	if errors.Is(err, storage.ErrWalletExists) {
		return execError(WalletExists,
			fmt.Sprintf("wallet %v already exists", tx.Key))
	}
	return err
}
