package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wellswap/observability/metrics"
	"wellswap/settlement"
)

// Server exposes the settlement protocol over HTTP.
type Server struct {
	engine  *settlement.Engine
	monitor *settlement.RefundMonitor
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewServer wires the HTTP layer.
func NewServer(engine *settlement.Engine, monitor *settlement.RefundMonitor, auth *Authenticator, limiter *RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, monitor: monitor, auth: auth, limiter: limiter, logger: logger}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Route("/assets", func(r chi.Router) {
			r.Post("/", s.handleRegisterAsset)
			r.Get("/", s.handleListAssets)
			r.Route("/{assetID}", func(r chi.Router) {
				r.Get("/", s.handleGetAsset)
				r.Post("/evaluation", s.handleSubmitEvaluation)
				r.Post("/price", s.handleConfirmPrice)
				r.Post("/list", s.handleListAsset)
				r.Get("/refund-eligibility", s.handleRefundEligibility)
			})
		})

		r.Route("/trades", func(r chi.Router) {
			r.Post("/", s.handleCreateTrade)
			r.Route("/{tradeID}", func(r chi.Router) {
				r.Get("/", s.handleGetTrade)
				r.Post("/sign-buyer", s.handleSignBuyer)
				r.Post("/sign-platform", s.handleSignPlatform)
				r.Post("/complete", s.handleCompleteTrade)
				r.Post("/cancel", s.handleCancelTrade)
			})
		})

		r.Post("/ops/refunds/sweep", s.handleRefundSweep)
	})

	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := strconv.Itoa(ww.Status() / 100 * 100)
		metrics.RequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
	})
}

type registerAssetRequest struct {
	Company              string `json:"company"`
	Product              string `json:"product"`
	Category             string `json:"category"`
	ContractStart        int64  `json:"contractStart"`
	ContractPeriodMonths int    `json:"contractPeriodMonths"`
	PaidPeriodMonths     int    `json:"paidPeriodMonths"`
	AnnualPremiumCents   int64  `json:"annualPremiumCents"`
	TotalPaidCents       int64  `json:"totalPaidCents"`
	Supplemental         string `json:"supplemental"`
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req registerAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	asset, err := s.engine.RegisterAsset(r.Context(), settlement.RegisterAssetInput{
		Owner:                caller.Address,
		Company:              req.Company,
		Product:              req.Product,
		Category:             req.Category,
		ContractStart:        req.ContractStart,
		ContractPeriodMonths: req.ContractPeriodMonths,
		PaidPeriodMonths:     req.PaidPeriodMonths,
		AnnualPremiumCents:   req.AnnualPremiumCents,
		TotalPaidCents:       req.TotalPaidCents,
		Supplemental:         req.Supplemental,
		IdempotencyKey:       r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assetResponseFrom(asset))
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	filter := settlement.AssetFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = settlement.AssetStatus(status)
		if !filter.Status.Valid() {
			writeErrorMessage(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		if !common.IsHexAddress(owner) {
			writeErrorMessage(w, http.StatusBadRequest, "malformed owner address")
			return
		}
		filter.Owner = common.HexToAddress(owner)
	}
	assets, err := s.engine.ListAssets(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		out = append(out, assetResponseFrom(asset))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assets": out})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.engine.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assetResponseFrom(asset))
}

type evaluationRequest struct {
	AIValueCents    int64  `json:"aiValueCents"`
	RiskGrade       uint8  `json:"riskGrade"`
	ConfidenceScore uint8  `json:"confidenceScore"`
	Analysis        string `json:"analysis"`
}

func (s *Server) handleSubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var req evaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	asset, err := s.engine.SubmitEvaluation(r.Context(), chi.URLParam(r, "assetID"), settlement.Evaluation{
		AIValueCents:    req.AIValueCents,
		RiskGrade:       req.RiskGrade,
		ConfidenceScore: req.ConfidenceScore,
		Analysis:        req.Analysis,
	}, caller.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assetResponseFrom(asset))
}

type confirmPriceRequest struct {
	PriceCents int64 `json:"priceCents"`
}

func (s *Server) handleConfirmPrice(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var req confirmPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	asset, err := s.engine.ConfirmPlatformPrice(r.Context(), chi.URLParam(r, "assetID"), req.PriceCents, caller.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assetResponseFrom(asset))
}

func (s *Server) handleListAsset(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	asset, err := s.engine.ListAsset(r.Context(), chi.URLParam(r, "assetID"), caller.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assetResponseFrom(asset))
}

func (s *Server) handleRefundEligibility(w http.ResponseWriter, r *http.Request) {
	eligibility, err := s.monitor.CheckEligibility(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

type createTradeRequest struct {
	AssetID    string `json:"assetId"`
	PriceCents int64  `json:"priceCents"`
}

type cancelTradeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	trade, err := s.engine.CreateTrade(r.Context(), req.AssetID, caller.Address, req.PriceCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tradeResponseFrom(trade))
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.engine.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponseFrom(trade))
}

func (s *Server) handleSignBuyer(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	trade, err := s.engine.SignAsBuyer(r.Context(), chi.URLParam(r, "tradeID"), caller.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponseFrom(trade))
}

func (s *Server) handleSignPlatform(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	trade, err := s.engine.SignAsPlatform(r.Context(), chi.URLParam(r, "tradeID"), caller.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponseFrom(trade))
}

func (s *Server) handleCompleteTrade(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	trade, err := s.engine.CompleteTrade(r.Context(), chi.URLParam(r, "tradeID"), caller.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponseFrom(trade))
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var req cancelTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	tradeID := chi.URLParam(r, "tradeID")
	trade, err := s.engine.CancelTrade(r.Context(), tradeID, caller.Address, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("trade cancelled",
		"trade_id", tradeID, "caller", caller.Address.Hex(), "reason", req.Reason)
	writeJSON(w, http.StatusOK, tradeResponseFrom(trade))
}

func (s *Server) handleRefundSweep(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	if !s.engine.IsAdmin(caller.Address) {
		writeErrorMessage(w, http.StatusForbidden, "platform capability required")
		return
	}
	processed, err := s.monitor.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

type assetResponse struct {
	ID                   string `json:"id"`
	Owner                string `json:"owner"`
	Company              string `json:"company"`
	Product              string `json:"product"`
	Category             string `json:"category,omitempty"`
	ContractStart        int64  `json:"contractStart"`
	ContractPeriodMonths int    `json:"contractPeriodMonths"`
	PaidPeriodMonths     int    `json:"paidPeriodMonths"`
	AnnualPremiumCents   int64  `json:"annualPremiumCents"`
	TotalPaidCents       int64  `json:"totalPaidCents"`
	AIValueCents         int64  `json:"aiValueCents,omitempty"`
	RiskGrade            uint8  `json:"riskGrade,omitempty"`
	ConfidenceScore      uint8  `json:"confidenceScore,omitempty"`
	Analysis             string `json:"analysis,omitempty"`
	ConfirmedPriceCents  int64  `json:"confirmedPriceCents,omitempty"`
	Status               string `json:"status"`
	RegistrationTx       string `json:"registrationTx,omitempty"`
	CreatedAt            int64  `json:"createdAt"`
	SoldAt               int64  `json:"soldAt,omitempty"`
}

func assetResponseFrom(a *settlement.Asset) assetResponse {
	return assetResponse{
		ID:                   a.ID,
		Owner:                a.Owner.Hex(),
		Company:              a.Company,
		Product:              a.Product,
		Category:             a.Category,
		ContractStart:        a.ContractStart,
		ContractPeriodMonths: a.ContractPeriodMonths,
		PaidPeriodMonths:     a.PaidPeriodMonths,
		AnnualPremiumCents:   a.AnnualPremiumCents,
		TotalPaidCents:       a.TotalPaidCents,
		AIValueCents:         a.AIValueCents,
		RiskGrade:            a.RiskGrade,
		ConfidenceScore:      a.ConfidenceScore,
		Analysis:             a.Analysis,
		ConfirmedPriceCents:  a.ConfirmedPriceCents,
		Status:               string(a.Status),
		RegistrationTx:       a.RegistrationTx,
		CreatedAt:            a.CreatedAt,
		SoldAt:               a.SoldAt,
	}
}

type tradeResponse struct {
	ID                 string `json:"id"`
	AssetID            string `json:"assetId"`
	Seller             string `json:"seller"`
	Buyer              string `json:"buyer"`
	PriceCents         int64  `json:"priceCents"`
	FeeCents           int64  `json:"feeCents"`
	RequiredSignatures int    `json:"requiredSignatures"`
	SignatureCount     int    `json:"signatureCount"`
	BuyerSigned        bool   `json:"buyerSigned"`
	PlatformSigned     bool   `json:"platformSigned"`
	BuyerPaidNative    string `json:"buyerPaidNative,omitempty"`
	DepositTx          string `json:"depositTx,omitempty"`
	ReleaseTx          string `json:"releaseTx,omitempty"`
	RefundTx           string `json:"refundTx,omitempty"`
	Status             string `json:"status"`
	CreatedAt          int64  `json:"createdAt"`
	CompletedAt        int64  `json:"completedAt,omitempty"`
}

func tradeResponseFrom(t *settlement.Trade) tradeResponse {
	resp := tradeResponse{
		ID:                 t.ID,
		AssetID:            t.AssetID,
		Seller:             t.Seller.Hex(),
		Buyer:              t.Buyer.Hex(),
		PriceCents:         t.PriceCents,
		FeeCents:           t.FeeCents,
		RequiredSignatures: t.RequiredSignatures,
		SignatureCount:     t.SignatureCount(),
		BuyerSigned:        t.BuyerSigned,
		PlatformSigned:     t.PlatformSigned,
		DepositTx:          t.DepositTx,
		ReleaseTx:          t.ReleaseTx,
		RefundTx:           t.RefundTx,
		Status:             string(t.Status),
		CreatedAt:          t.CreatedAt,
		CompletedAt:        t.CompletedAt,
	}
	if t.BuyerPaidNative != nil && t.BuyerPaidNative.Sign() > 0 {
		resp.BuyerPaidNative = t.BuyerPaidNative.String()
	}
	return resp
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := settlement.KindOf(err)
	status := statusForKind(kind, err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Code: kind.String(), Message: err.Error()})
}

func statusForKind(kind settlement.Kind, err error) int {
	switch kind {
	case settlement.KindValidation:
		return http.StatusBadRequest
	case settlement.KindNotFound:
		return http.StatusNotFound
	case settlement.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case settlement.KindPrecondition, settlement.KindAlreadySigned,
		settlement.KindAlreadyCompleted, settlement.KindAlreadyProcessed,
		settlement.KindDeadlineNotReached:
		if errors.Is(err, settlement.ErrUnauthorized) {
			return http.StatusForbidden
		}
		return http.StatusConflict
	case settlement.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	case settlement.KindLedgerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Code: "validation", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
