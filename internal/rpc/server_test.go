package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"confidential/internal/blockchain"
	"confidential/internal/crypto"
	"confidential/internal/metrics"
	"confidential/internal/node"
	"confidential/internal/secrets"
	"confidential/internal/storage"
	"confidential/internal/transactions"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// acceptAllProofs is a range verifier accepting every proof, which lets
// these tests build transfers without running the prover.
type acceptAllProofs struct{}

func (acceptAllProofs) Verify(crypto.RangeProof, crypto.Commitment) bool {
	return true
}

type testServer struct {
	*httptest.Server
	client   *Client
	svc      *transactions.Service
	store    *storage.Store
	pool     *node.Mempool
	exec     *blockchain.Executor
	producer *node.Producer
	metrics  *metrics.Collector
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()

	svc, err := transactions.NewService(transactions.Config{
		MinTransferAmount:   1,
		RollbackDelayBounds: transactions.DelayBounds{Start: 1, End: 10},
	}, acceptAllProofs{})
	require.NoError(t, err)

	store, err := storage.Open(
		filepath.Join(t.TempDir(), "ledger.db"), storage.DefaultDBTimeout,
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := metrics.NewCollector()
	pool, err := node.NewMempool(node.MempoolConfig{
		Service:        svc,
		Store:          store,
		MaxSize:        100,
		MaxConcurrency: 2,
		Metrics:        collector,
	})
	require.NoError(t, err)

	exec := blockchain.NewExecutor(svc, store)
	producer, err := node.NewProducer(node.ProducerConfig{
		Executor:     exec,
		Mempool:      pool,
		BlockTicker:  ticker.NewForce(time.Hour),
		MaxBlockSize: 100,
		Metrics:      collector,
	})
	require.NoError(t, err)

	health := metrics.NewHealthChecker("test")
	health.RegisterComponent("producer", producer.Err)

	srv, err := NewServer(Config{
		Service:    svc,
		Store:      store,
		Mempool:    pool,
		Metrics:    collector,
		Health:     health,
		RateLimit:  rateLimit,
		RateRefill: 1,
		RatePeriod: time.Hour,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{
		Server:   ts,
		client:   NewClient(ts.URL, ts.Client()),
		svc:      svc,
		store:    store,
		pool:     pool,
		exec:     exec,
		producer: producer,
		metrics:  collector,
	}
}

func (ts *testServer) produce(t *testing.T) {
	t.Helper()
	_, err := ts.producer.ProduceBlock()
	require.NoError(t, err)
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	apiErr, ok := err.(*APIError)
	require.True(t, ok, "expected API error, got %v", err)
	require.Equal(t, status, apiErr.Status)
	require.Equal(t, code, apiErr.Code)
	require.NotEmpty(t, apiErr.TraceID)
}

func newWallet(t *testing.T) (*crypto.KeyPair, *transactions.CreateWallet) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tx, err := transactions.NewCreateWallet(kp)
	require.NoError(t, err)
	return kp, tx
}

func TestSubmitAndQueryWallet(t *testing.T) {
	ts := newTestServer(t, 0)
	ctx := context.Background()
	kp, tx := newWallet(t)

	resp, err := ts.client.Submit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tx.Hash().String(), resp.Hash)
	require.Equal(t, "CreateWallet", resp.Kind)

	_, err = ts.client.Submit(ctx, tx)
	requireAPIError(t, err, http.StatusConflict, CodeDuplicate)

	// Not executed yet.
	_, err = ts.client.Result(ctx, tx.Hash())
	requireAPIError(t, err, http.StatusNotFound, CodeNotFound)
	_, err = ts.client.Wallet(ctx, kp.Public)
	requireAPIError(t, err, http.StatusNotFound, CodeNotFound)

	ts.produce(t)

	result, err := ts.client.Result(ctx, tx.Hash())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, uint64(1), result.Height)

	wallet, err := ts.client.Wallet(ctx, kp.Public)
	require.NoError(t, err)
	require.Equal(t, kp.Public.String(), wallet.PublicKey)
	require.Equal(t, crypto.Zero().String(), wallet.Balance)
	require.Equal(t, uint64(1), wallet.HistoryLen)
	require.Equal(t, tx.Hash().String(), wallet.LastTx)

	// Executed transactions are not admitted again.
	_, err = ts.client.Submit(ctx, tx)
	requireAPIError(t, err, http.StatusConflict, CodeDuplicate)
}

func TestSubmitInvalid(t *testing.T) {
	ts := newTestServer(t, 0)

	post := func(body string) *http.Response {
		resp, err := ts.Client().Post(ts.URL+"/v1/transactions",
			"application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{
			name:   "not json",
			body:   "{",
			status: http.StatusBadRequest,
			code:   CodeBadRequest,
		},
		{
			name:   "not hex",
			body:   `{"tx": "zz"}`,
			status: http.StatusBadRequest,
			code:   CodeBadRequest,
		},
		{
			name:   "malformed",
			body:   `{"tx": "00ff"}`,
			status: http.StatusBadRequest,
			code:   CodeMalformed,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp := post(test.body)
			require.Equal(t, test.status, resp.StatusCode)

			var errResp ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
			require.Equal(t, test.code, errResp.Code)
			require.Equal(t, resp.Header.Get(requestIDHeader),
				errResp.TraceID)
		})
	}

	// A bad signature decodes but fails admission.
	_, tx := newWallet(t)
	raw := append([]byte(nil), tx.Bytes()...)
	raw[len(raw)-1] ^= 0x01
	resp := post(`{"tx": "` + hex.EncodeToString(raw) + `"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestTransferQueries(t *testing.T) {
	ts := newTestServer(t, 0)
	ctx := context.Background()

	alice, createAlice := newWallet(t)
	bob, createBob := newWallet(t)
	for _, tx := range []transactions.Transaction{createAlice, createBob} {
		_, err := ts.client.Submit(ctx, tx)
		require.NoError(t, err)
	}
	ts.produce(t)

	amount, err := secrets.NewOpening(5)
	require.NoError(t, err)
	encKey, err := secrets.DeriveEncryptionKey(bob.Public)
	require.NoError(t, err)
	payload, err := secrets.Encrypt(amount, encKey)
	require.NoError(t, err)

	transfer, err := transactions.NewTransfer(alice, transactions.TransferFields{
		To:                     bob.Public,
		RollbackDelay:          3,
		Amount:                 amount.Commitment(),
		AmountProof:            crypto.RangeProof{1},
		SufficientBalanceProof: crypto.RangeProof{2},
		EncryptedData:          payload,
	})
	require.NoError(t, err)
	_, err = ts.client.Submit(ctx, transfer)
	require.NoError(t, err)
	ts.produce(t)

	pending, err := ts.client.Pending(ctx, bob.Public)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, transfer.Hash().String(), pending[0].ID)
	require.Equal(t, "pending", pending[0].Status)
	require.Equal(t, uint64(2), pending[0].CreatedAt)
	require.Equal(t, uint64(5), pending[0].ExpiresAt)

	// The receiver recovers the amount from the published payload.
	data, err := hex.DecodeString(pending[0].EncryptedData)
	require.NoError(t, err)
	parsed, err := secrets.ParseEncryptedData(data)
	require.NoError(t, err)
	opening, err := secrets.Decrypt(parsed, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(5), opening.Amount)

	accept, err := transactions.NewAccept(bob, transfer.Hash())
	require.NoError(t, err)
	_, err = ts.client.Submit(ctx, accept)
	require.NoError(t, err)
	ts.produce(t)

	got, err := ts.client.Transfer(ctx, transfer.Hash())
	require.NoError(t, err)
	require.Equal(t, "accepted", got.Status)

	pending, err = ts.client.Pending(ctx, bob.Public)
	require.NoError(t, err)
	require.Empty(t, pending)

	var history HistoryResponse
	getJSON(t, ts, "/v1/wallets/"+bob.Public.String()+"/history", &history)
	require.Equal(t, []string{
		createBob.Hash().String(),
		transfer.Hash().String(),
		accept.Hash().String(),
	}, history.Transactions)

	_, err = ts.client.Transfer(ctx, chainhash.HashH([]byte("missing")))
	requireAPIError(t, err, http.StatusNotFound, CodeNotFound)
}

func getJSON(t *testing.T, ts *testServer, path string, out interface{}) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestBadPathParameters(t *testing.T) {
	ts := newTestServer(t, 0)

	for _, path := range []string{
		"/v1/wallets/abcd",
		"/v1/wallets/zz/pending",
		"/v1/transfers/1234",
		"/v1/transactions/" + strings.Repeat("g", 64),
	} {
		resp, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestConfigStatusMetricsHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	ctx := context.Background()

	cfg, err := ts.client.Config(ctx)
	require.NoError(t, err)
	require.Equal(t, transactions.ServiceID, cfg.ServiceID)
	require.Equal(t, uint64(1), cfg.MinTransferAmount)
	require.Equal(t, crypto.CommitAmount(1).String(),
		cfg.MinTransferCommitment)
	require.Equal(t, uint32(1), cfg.RollbackDelayLowerBound)
	require.Equal(t, uint32(10), cfg.RollbackDelayUpperBound)

	_, tx := newWallet(t)
	_, err = ts.client.Submit(ctx, tx)
	require.NoError(t, err)

	var status StatusResponse
	getJSON(t, ts, "/v1/status", &status)
	require.Equal(t, uint64(0), status.Height)
	require.Equal(t, 1, status.MempoolSize)

	ts.produce(t)
	getJSON(t, ts, "/v1/status", &status)
	require.Equal(t, uint64(1), status.Height)
	require.Zero(t, status.MempoolSize)

	var summary metrics.Summary
	getJSON(t, ts, "/metrics", &summary)
	require.Equal(t, float64(1), summary.Gauges[metrics.MetricBlockHeight])
	require.EqualValues(t, 1,
		summary.Counters["tx_admitted_kind_CreateWallet"])

	var health metrics.HealthCheckResponse
	getJSON(t, ts, "/health", &health)
	require.Equal(t, "success", health.Status)
	require.Equal(t, metrics.Healthy, health.Data.OverallStatus)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		resp, err := ts.Client().Get(ts.URL + "/v1/status")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	_, err := ts.client.Config(context.Background())
	requireAPIError(t, err, http.StatusTooManyRequests, CodeRateLimited)
	require.EqualValues(t, 1,
		ts.metrics.Counter(metrics.MetricRateLimited, nil))
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, 0)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "trace-1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "trace-1", resp.Header.Get(requestIDHeader))
}

// TestDisabledEndpoints serves a node without metrics or health checks.
func TestDisabledEndpoints(t *testing.T) {
	full := newTestServer(t, 0)

	srv, err := NewServer(Config{
		Service: full.svc,
		Store:   full.store,
		Mempool: full.pool,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for _, path := range []string{"/health", "/metrics"} {
		t.Run(strings.TrimPrefix(path, "/"), func(t *testing.T) {
			resp, err := ts.Client().Get(ts.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusNotFound, resp.StatusCode)

			var errResp ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
			require.Equal(t, CodeNotFound, errResp.Code)
			require.Contains(t, errResp.Message, "disabled")
		})
	}
}
