package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"edupay/internal/admin"
	"edupay/internal/config"
	"edupay/internal/hmacauth"
	"edupay/internal/idempotency"
	"edupay/internal/ledger"
	"edupay/internal/orchestrator"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Server struct {
	cfg         *config.AppConfig
	ledger      ledger.Ledger
	orch        *orchestrator.Orchestrator
	coord       *admin.Coordinator
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, l ledger.Ledger, orch *orchestrator.Orchestrator, coord *admin.Coordinator, store idempotency.Store) *Server {
	adminVerifier := &hmacauth.Verifier{
		Secret:  cfg.App.Secrets.AdminAPISecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:     cfg,
		ledger:  l,
		orch:    orch,
		coord:   coord,
		store:   store,
		hmac:    adminVerifier,
		metrics: metrics,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := l.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/payments", s.handleStagePayment).Methods(http.MethodPost)
	api.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	api.Handle("/payments/{id}/release", s.hmac.Middleware(http.HandlerFunc(s.handleRelease))).Methods(http.MethodPost)
	api.Handle("/payments/{id}/refund", s.hmac.Middleware(http.HandlerFunc(s.handleRefund))).Methods(http.MethodPost)
	api.HandleFunc("/allowance/{owner}", s.handleAllowance).Methods(http.MethodGet)
	api.Handle("/metrics", metrics.handler())
	api.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(r),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type stagePaymentRequest struct {
	Payer       string `json:"payer"`
	Amount      string `json:"amount"` // decimal in asset units, e.g. "100.50"
	Institution string `json:"institution"`
	InvoiceRef  string `json:"invoiceRef"`
}

type stagePaymentResponse struct {
	ID               uint64 `json:"id"`
	Status           string `json:"status"`
	Amount           string `json:"amount"` // base units
	ApprovalRequired bool   `json:"approvalRequired"`
}

type adminActionRequest struct {
	Destination string `json:"destination,omitempty"`
}

type paymentView struct {
	ID                 uint64 `json:"id"`
	Payer              string `json:"payer"`
	Amount             string `json:"amount"`
	AmountDisplay      string `json:"amountDisplay"`
	Institution        string `json:"institution"`
	InvoiceRef         string `json:"invoiceRef"`
	Status             string `json:"status"`
	ReleaseDestination string `json:"releaseDestination,omitempty"`
}

type summaryView struct {
	Total          int    `json:"total"`
	StagedCount    int    `json:"stagedCount"`
	ReleasedCount  int    `json:"releasedCount"`
	RefundedCount  int    `json:"refundedCount"`
	TotalAmount    string `json:"totalAmount"`
	StagedAmount   string `json:"stagedAmount"`
	ReleasedAmount string `json:"releasedAmount"`
	RefundedAmount string `json:"refundedAmount"`
}

func (s *Server) handleStagePayment(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if existing, _ := s.store.Get(ctx, key); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incSubmission("cached")
		return
	}

	var payload stagePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(payload.Payer) {
		s.metrics.incSubmission("invalid")
		http.Error(w, "invalid payer address", http.StatusBadRequest)
		return
	}

	amount, err := ledger.ParseUnits(payload.Amount, s.cfg.App.Asset.Decimals)
	if err != nil {
		s.metrics.incSubmission("invalid")
		http.Error(w, "invalid amount: "+err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := s.orch.NewSubmission(orchestrator.Request{
		Payer:       common.HexToAddress(payload.Payer),
		Amount:      amount,
		Institution: payload.Institution,
		InvoiceRef:  payload.InvoiceRef,
	})
	if err != nil {
		s.metrics.incSubmission("invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Service.ConfirmTimeout)
	defer cancel()

	id, err := sub.Run(runCtx)
	if err != nil {
		s.metrics.incSubmission("failed")
		s.writeSubmissionError(w, err)
		return
	}

	if sub.ApprovalRequired() {
		s.metrics.incApproval("broadcast")
	} else {
		s.metrics.incApproval("skipped")
	}

	respBody := stagePaymentResponse{
		ID:               id,
		Status:           ledger.StatusStaged.String(),
		Amount:           amount.String(),
		ApprovalRequired: sub.ApprovalRequired(),
	}
	b, _ := json.Marshal(respBody)

	record := idempotency.Record{
		StatusCode: http.StatusCreated,
		Response:   b,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	}
	_ = s.store.Save(ctx, key, record)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(b)
	s.metrics.incSubmission("created")
}

// writeSubmissionError surfaces the failing phase so the caller knows
// whether funds were already moved.
func (s *Server) writeSubmissionError(w http.ResponseWriter, err error) {
	phase := ""
	var perr *orchestrator.PhaseError
	if errors.As(err, &perr) {
		phase = string(perr.Phase)
	}

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrAmountNotPositive):
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
		Phase string `json:"phase,omitempty"`
	}{Error: err.Error(), Phase: phase})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var status *ledger.Status
	if raw := r.URL.Query().Get("status"); raw != "" && raw != "all" {
		parsed, err := ledger.ParseStatus(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status = &parsed
	}

	records, err := s.coord.Refresh(ctx)
	if err != nil {
		http.Error(w, "failed to fetch payments: "+err.Error(), http.StatusBadGateway)
		return
	}

	summary := admin.Summarize(records)
	s.metrics.setStagedPayments(summary.StagedCount)

	filtered := admin.Filter(records, r.URL.Query().Get("q"), status)
	views := make([]paymentView, 0, len(filtered))
	for _, rec := range filtered {
		v := paymentView{
			ID:            rec.ID,
			Payer:         rec.Payer.Hex(),
			Amount:        rec.Amount.String(),
			AmountDisplay: ledger.FormatUnits(rec.Amount, s.cfg.App.Asset.Decimals),
			Institution:   rec.Institution,
			InvoiceRef:    rec.InvoiceRef,
			Status:        rec.Status.String(),
		}
		if rec.ReleaseDestination != nil {
			v.ReleaseDestination = rec.ReleaseDestination.Hex()
		}
		views = append(views, v)
	}

	resp := struct {
		Payments  []paymentView `json:"payments"`
		Summary   summaryView   `json:"summary"`
		FetchedAt time.Time     `json:"fetchedAt"`
	}{
		Payments:  views,
		FetchedAt: s.coord.FetchedAt(),
		Summary: summaryView{
			Total:          summary.Total,
			StagedCount:    summary.StagedCount,
			ReleasedCount:  summary.ReleasedCount,
			RefundedCount:  summary.RefundedCount,
			TotalAmount:    summary.TotalAmount.String(),
			StagedAmount:   summary.StagedAmount.String(),
			ReleasedAmount: summary.ReleasedAmount.String(),
			RefundedAmount: summary.RefundedAmount.String(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.paymentID(w, r)
	if !ok {
		return
	}

	var payload adminActionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(payload.Destination) {
		http.Error(w, "invalid destination address", http.StatusBadRequest)
		return
	}

	err := s.coord.Release(r.Context(), id, common.HexToAddress(payload.Destination))
	s.finishAdminAction(w, "release", id, ledger.StatusReleased, err)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := s.paymentID(w, r)
	if !ok {
		return
	}

	err := s.coord.Refund(r.Context(), id)
	s.finishAdminAction(w, "refund", id, ledger.StatusRefunded, err)
}

func (s *Server) paymentID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) finishAdminAction(w http.ResponseWriter, action string, id uint64, terminal ledger.Status, err error) {
	if err != nil {
		s.metrics.incAdminAction(action, "failed")
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ledger.ErrUnauthorized):
			status = http.StatusForbidden
		case errors.Is(err, ledger.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ledger.ErrInvalidState), errors.Is(err, admin.ErrActionPending):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.metrics.incAdminAction(action, "ok")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
	}{ID: id, Status: terminal.String()})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["owner"]
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid owner address", http.StatusBadRequest)
		return
	}

	allowance, err := s.ledger.CheckAllowance(r.Context(), common.HexToAddress(raw))
	if err != nil {
		http.Error(w, "failed to read allowance: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Owner     string `json:"owner"`
		Allowance string `json:"allowance"`
		Symbol    string `json:"symbol"`
		Decimals  int    `json:"decimals"`
	}{
		Owner:     common.HexToAddress(raw).Hex(),
		Allowance: allowance.String(),
		Symbol:    s.cfg.App.Asset.Symbol,
		Decimals:  s.cfg.App.Asset.Decimals,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
