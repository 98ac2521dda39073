package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"confidential/internal/crypto"
	"confidential/internal/transactions"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// APIError is a non-2xx response of the server.
type APIError struct {
	Status int
	ErrorResponse
}

// Error returns the server's error code and message.
func (e *APIError) Error() string {
	return fmt.Sprintf("rpc: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to a node's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the node at baseURL, for example
// "http://127.0.0.1:8334". A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Submit sends tx to the node's mempool.
func (c *Client) Submit(ctx context.Context,
	tx transactions.Transaction) (*SubmitResponse, error) {

	body, err := json.Marshal(SubmitRequest{Tx: hex.EncodeToString(tx.Bytes())})
	if err != nil {
		return nil, err
	}
	var resp SubmitResponse
	err = c.do(ctx, http.MethodPost, "/v1/transactions", body, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Result fetches the execution result of a transaction.
func (c *Client) Result(ctx context.Context,
	hash chainhash.Hash) (*ResultResponse, error) {

	var resp ResultResponse
	err := c.do(ctx, http.MethodGet, "/v1/transactions/"+hash.String(),
		nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Wallet fetches the wallet of pk.
func (c *Client) Wallet(ctx context.Context,
	pk crypto.PublicKey) (*WalletResponse, error) {

	var resp WalletResponse
	err := c.do(ctx, http.MethodGet, "/v1/wallets/"+pk.String(), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pending fetches the Pending transfers addressed to pk.
func (c *Client) Pending(ctx context.Context,
	pk crypto.PublicKey) ([]TransferResponse, error) {

	var resp []TransferResponse
	err := c.do(ctx, http.MethodGet, "/v1/wallets/"+pk.String()+"/pending",
		nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Transfer fetches a transfer by id.
func (c *Client) Transfer(ctx context.Context,
	id chainhash.Hash) (*TransferResponse, error) {

	var resp TransferResponse
	err := c.do(ctx, http.MethodGet, "/v1/transfers/"+id.String(), nil,
		&resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Config fetches the protocol parameters.
func (c *Client) Config(ctx context.Context) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.do(ctx, http.MethodGet, "/v1/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte,
	out interface{}) error {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path,
		reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
