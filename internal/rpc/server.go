// Package rpc serves the ledger over HTTP: transaction submission, ledger
// queries, metrics and health.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"confidential/internal/crypto"
	"confidential/internal/metrics"
	"confidential/internal/node"
	"confidential/internal/storage"
	"confidential/internal/transactions"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	// requestIDHeader carries the trace id of a request.
	requestIDHeader = "X-Request-ID"

	// maxBodySize bounds request bodies. Transactions are hex encoded.
	maxBodySize = 2*transactions.MaxTransactionSize + 1024
)

type ctxKey int

const ctxKeyRequestID ctxKey = 0

// Config configures the HTTP server.
type Config struct {
	// Listen is the address to listen on.
	Listen string

	Service *transactions.Service
	Store   *storage.Store
	Mempool *node.Mempool

	// Metrics and Health are optional.
	Metrics *metrics.Collector
	Health  *metrics.HealthChecker

	// RateLimit is the number of requests a client may burst.
	// RateRefill tokens are restored every RatePeriod. A zero RateLimit
	// disables rate limiting.
	RateLimit  int
	RateRefill int
	RatePeriod time.Duration

	// ReadTimeout and WriteTimeout bound a request.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP API of a node.
type Server struct {
	cfg     Config
	router  *mux.Router
	limiter *ClientRateLimiter
	http    *http.Server
}

// NewServer builds the router for cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil || cfg.Store == nil || cfg.Mempool == nil {
		return nil, errors.New("rpc server requires a service, a store " +
			"and a mempool")
	}

	s := &Server{cfg: cfg}
	if cfg.RateLimit > 0 {
		s.limiter = NewClientRateLimiter(cfg.RateLimit, cfg.RateRefill,
			cfg.RatePeriod)
	}

	r := mux.NewRouter()
	r.Use(s.withRequestID, s.withRateLimit)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/transactions", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{hash}", s.handleResult).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{key}", s.handleWallet).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{key}/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{key}/pending", s.handlePending).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}", s.handleTransfer).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", s.cfg.Listen, err)
	}

	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	log.Infof("RPC server listening on %s", listener.Addr())
	go func() {
		err := s.http.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("RPC server stopped: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	log.Infof("Stopping RPC server")
	return s.http.Shutdown(ctx)
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID).(string)
	return id
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		log.Tracef("[%s] %s %s from %s", id, r.Method, r.URL.Path,
			r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !s.limiter.Allow(client) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.IncrementCounter(
					metrics.MetricRateLimited, nil,
				)
			}
			writeError(w, r, http.StatusTooManyRequests,
				CodeRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	body := io.LimitReader(r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest,
			"invalid request body")
		return
	}
	raw, err := hex.DecodeString(req.Tx)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest,
			"transaction is not hex encoded")
		return
	}
	tx, err := transactions.Decode(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeMalformed,
			err.Error())
		return
	}

	err = s.cfg.Mempool.Submit(r.Context(), tx)
	switch {
	case err == nil:
		log.Debugf("[%s] Accepted %v %v", requestID(r), tx.Kind(),
			tx.Hash())
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			Hash: tx.Hash().String(),
			Kind: tx.Kind().String(),
		})

	case errors.Is(err, node.ErrRejected):
		writeError(w, r, http.StatusUnprocessableEntity, CodeRejected,
			err.Error())

	case errors.Is(err, node.ErrDuplicate):
		writeError(w, r, http.StatusConflict, CodeDuplicate, err.Error())

	case errors.Is(err, node.ErrMempoolFull):
		writeError(w, r, http.StatusServiceUnavailable, CodeMempoolFull,
			err.Error())

	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHash(w, r, mux.Vars(r)["hash"])
	if !ok {
		return
	}
	result, err := s.cfg.Store.ExecutionResult(hash)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	res, err := result.UnwrapOrErr(errNotFound)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound,
			"transaction not executed")
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(hash.String(), res))
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	pk, ok := parseKey(w, r)
	if !ok {
		return
	}
	wallet, err := s.cfg.Store.Wallet(pk)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	found, err := wallet.UnwrapOrErr(errNotFound)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound,
			"wallet not found")
		return
	}
	writeJSON(w, http.StatusOK, newWalletResponse(found))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	pk, ok := parseKey(w, r)
	if !ok {
		return
	}
	history, err := s.cfg.Store.WalletHistory(pk)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := HistoryResponse{
		PublicKey:    pk.String(),
		Transactions: make([]string, 0, len(history)),
	}
	for _, h := range history {
		resp.Transactions = append(resp.Transactions, h.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pk, ok := parseKey(w, r)
	if !ok {
		return
	}
	pending, err := s.cfg.Store.PendingTransfers(pk)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := make([]TransferResponse, 0, len(pending))
	for _, t := range pending {
		resp = append(resp, newTransferResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseHash(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	transfer, err := s.cfg.Store.Transfer(id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	found, err := transfer.UnwrapOrErr(errNotFound)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound,
			"transfer not found")
		return
	}
	writeJSON(w, http.StatusOK, newTransferResponse(found))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Service.Config()
	writeJSON(w, http.StatusOK, ConfigResponse{
		ServiceID:               transactions.ServiceID,
		MinTransferAmount:       cfg.MinTransferAmount,
		MinTransferCommitment:   s.cfg.Service.MinTransferCommitment().String(),
		RollbackDelayLowerBound: cfg.RollbackDelayBounds.Start,
		RollbackDelayUpperBound: cfg.RollbackDelayBounds.End,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	height, err := s.cfg.Store.Height()
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Height:      height,
		MempoolSize: s.cfg.Mempool.Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound,
			"metrics disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Metrics.Summary())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound,
			"health checks disabled")
		return
	}
	health := s.cfg.Health.CheckHealth()
	status := http.StatusOK
	if health.OverallStatus == metrics.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, metrics.CreateHealthResponse(health))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request,
	err error) {

	log.Errorf("[%s] %s %s: %v", requestID(r), r.Method, r.URL.Path, err)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordError("rpc")
	}
	writeError(w, r, http.StatusInternalServerError, CodeInternal,
		"internal error")
}

var errNotFound = errors.New("not found")

func parseKey(w http.ResponseWriter, r *http.Request) (crypto.PublicKey, bool) {
	pk, err := crypto.ParsePublicKeyHex(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest,
			err.Error())
		return pk, false
	}
	return pk, true
}

func parseHash(w http.ResponseWriter, r *http.Request,
	s string) (chainhash.Hash, bool) {

	hash, err := chainhash.NewHashFromStr(s)
	if err != nil || len(s) != 2*chainhash.HashSize {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest,
			"invalid hash")
		return chainhash.Hash{}, false
	}
	return *hash, true
}
