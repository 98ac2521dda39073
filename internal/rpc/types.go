package rpc

import (
	"encoding/hex"

	"confidential/internal/storage"
	"confidential/internal/transactions"
)

// SubmitRequest carries a hex encoded transaction.
type SubmitRequest struct {
	Tx string `json:"tx"`
}

// SubmitResponse acknowledges an admitted transaction.
type SubmitResponse struct {
	Hash string `json:"hash"`
	Kind string `json:"kind"`
}

// WalletResponse describes a wallet. Balance is the hex encoded balance
// commitment.
type WalletResponse struct {
	PublicKey     string `json:"public_key"`
	EncryptionKey string `json:"encryption_key"`
	Balance       string `json:"balance"`
	HistoryLen    uint64 `json:"history_len"`
	LastTx        string `json:"last_tx"`
}

func newWalletResponse(w storage.Wallet) WalletResponse {
	return WalletResponse{
		PublicKey:     w.PublicKey.String(),
		EncryptionKey: w.EncryptionKey.String(),
		Balance:       w.Balance.String(),
		HistoryLen:    w.HistoryLen,
		LastTx:        w.LastTx.String(),
	}
}

// TransferResponse describes a transfer in any status. EncryptedData is
// only useful to the receiver.
type TransferResponse struct {
	ID            string `json:"id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	EncryptedData string `json:"encrypted_data"`
	CreatedAt     uint64 `json:"created_at"`
	ExpiresAt     uint64 `json:"expires_at"`
	Status        string `json:"status"`
}

func newTransferResponse(t storage.PendingTransfer) TransferResponse {
	return TransferResponse{
		ID:            t.ID.String(),
		From:          t.From.String(),
		To:            t.To.String(),
		Amount:        t.Amount.String(),
		EncryptedData: hex.EncodeToString(t.EncryptedData.Bytes()),
		CreatedAt:     t.CreatedAt,
		ExpiresAt:     t.ExpiresAt,
		Status:        t.Status.String(),
	}
}

// ResultResponse is the execution outcome of a transaction.
type ResultResponse struct {
	Hash        string `json:"hash"`
	Height      uint64 `json:"height"`
	Index       uint32 `json:"index"`
	Success     bool   `json:"success"`
	Code        uint8  `json:"code"`
	Error       string `json:"error,omitempty"`
	Description string `json:"description,omitempty"`
}

func newResultResponse(hash string, r storage.ExecutionResult) ResultResponse {
	resp := ResultResponse{
		Hash:    hash,
		Height:  r.Height,
		Index:   r.Index,
		Success: r.Success,
	}
	if !r.Success {
		resp.Code = r.Code
		resp.Error = transactions.ErrorCode(r.Code).String()
		resp.Description = r.Description
	}
	return resp
}

// HistoryResponse lists the transactions touching a wallet, oldest first.
type HistoryResponse struct {
	PublicKey    string   `json:"public_key"`
	Transactions []string `json:"transactions"`
}

// ConfigResponse publishes the protocol parameters clients need to build
// transactions.
type ConfigResponse struct {
	ServiceID               uint16 `json:"service_id"`
	MinTransferAmount       uint64 `json:"min_transfer_amount"`
	MinTransferCommitment   string `json:"min_transfer_commitment"`
	RollbackDelayLowerBound uint32 `json:"rollback_delay_lower_bound"`
	RollbackDelayUpperBound uint32 `json:"rollback_delay_upper_bound"`
}

// StatusResponse reports the node's progress.
type StatusResponse struct {
	Height      uint64 `json:"height"`
	MempoolSize int    `json:"mempool_size"`
}
