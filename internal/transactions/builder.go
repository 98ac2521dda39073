package transactions

import (
	"errors"
	"fmt"

	"confidential/internal/crypto"
	"confidential/internal/secrets"
)

// ErrAmountTooSmall is returned when building a transfer below the minimum
// transfer amount.
var ErrAmountTooSmall = errors.New("amount below minimum transfer amount")

// TransferRequest describes a transfer a wallet owner wants to make.
type TransferRequest struct {
	Sender *crypto.KeyPair

	// Balance opens the sender's balance as it will be when the transfer
	// executes.
	Balance secrets.Opening

	Receiver      crypto.PublicKey
	Amount        uint64
	RollbackDelay uint32
}

// BuildTransfer produces a signed Transfer for req together with the
// opening of the sender's balance after the debit and the opening of the
// transferred amount.
func BuildTransfer(cfg Config, prover crypto.RangeProver,
	req TransferRequest) (*Transfer, secrets.Opening, secrets.Opening, error) {

	var none secrets.Opening

	if req.Amount < cfg.MinTransferAmount {
		return nil, none, none, fmt.Errorf("%w: %d < %d",
			ErrAmountTooSmall, req.Amount, cfg.MinTransferAmount)
	}

	amount, err := secrets.NewOpening(req.Amount)
	if err != nil {
		return nil, none, none, err
	}
	remaining, err := req.Balance.Sub(amount)
	if err != nil {
		return nil, none, none, err
	}

	// The minimum is committed with zero blinding, so the excess keeps
	// the blinding of the amount.
	amountProof, err := prover.Prove(
		req.Amount-cfg.MinTransferAmount, &amount.Blinding,
	)
	if err != nil {
		return nil, none, none, fmt.Errorf("amount proof: %w", err)
	}
	balanceProof, err := prover.Prove(remaining.Amount, &remaining.Blinding)
	if err != nil {
		return nil, none, none, fmt.Errorf("balance proof: %w", err)
	}

	encKey, err := secrets.DeriveEncryptionKey(req.Receiver)
	if err != nil {
		return nil, none, none, err
	}
	payload, err := secrets.Encrypt(amount, encKey)
	if err != nil {
		return nil, none, none, err
	}

	tx, err := NewTransfer(req.Sender, TransferFields{
		To:                     req.Receiver,
		RollbackDelay:          req.RollbackDelay,
		Amount:                 amount.Commitment(),
		AmountProof:            amountProof,
		SufficientBalanceProof: balanceProof,
		EncryptedData:          payload,
	})
	if err != nil {
		return nil, none, none, err
	}
	return tx, remaining, amount, nil
}

// OpenTransfer decrypts the opening of an incoming transfer and checks it
// against the transfer's commitment.
func OpenTransfer(receiver *crypto.KeyPair, amount crypto.Commitment,
	data secrets.EncryptedData) (secrets.Opening, error) {

	opening, err := secrets.Decrypt(data, receiver)
	if err != nil {
		return secrets.Opening{}, err
	}
	if !opening.Commitment().Equal(amount) {
		return secrets.Opening{}, errors.New("decrypted opening does " +
			"not match transfer amount")
	}
	return opening, nil
}
