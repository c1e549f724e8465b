// Package httpapi exposes the billing engine over HTTP: balance reads,
// ledger history, two-phase admission and settlement, deposits, bonuses
// and identity binding.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acee-ventures/openpoi/internal/deposit"
	"github.com/acee-ventures/openpoi/internal/identity"
	"github.com/acee-ventures/openpoi/pkg/credits"
	"github.com/acee-ventures/openpoi/pkg/gate"
	"github.com/acee-ventures/openpoi/pkg/pricing"
)

const contextKeyPrincipal = "auth_principal"

// Server wires the HTTP handlers over the domain services.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	engine     *credits.Engine
	gatekeeper *gate.Gate
	admissions *gate.Registry
	resolver   *pricing.Resolver
	deposits   *deposit.Processor
	identities *identity.Service
	parser     *identity.TokenParser
}

// NewServer validates the configuration and dependencies.
func NewServer(
	cfg Config,
	logger *zap.Logger,
	engine *credits.Engine,
	gatekeeper *gate.Gate,
	admissions *gate.Registry,
	resolver *pricing.Resolver,
	deposits *deposit.Processor,
	identities *identity.Service,
) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil || gatekeeper == nil || admissions == nil || resolver == nil {
		return nil, fmt.Errorf("httpapi: engine, gate, registry and resolver are required")
	}
	if deposits == nil || identities == nil {
		return nil, fmt.Errorf("httpapi: deposit processor and identity service are required")
	}
	parser, err := identity.NewTokenParser([]byte(cfg.SessionSigningKey), cfg.SessionIssuer)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		gatekeeper: gatekeeper,
		admissions: admissions,
		resolver:   resolver,
		deposits:   deposits,
		identities: identities,
		parser:     parser,
	}, nil
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("billing api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router assembles the gin engine; exposed for tests.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	api.Use(server.authMiddleware())

	billing := api.Group("/billing")
	billing.GET("/balance", server.handleBalance)
	billing.GET("/ledger", server.handleLedger)
	billing.POST("/admit", server.handleAdmit)
	billing.POST("/settle", server.handleSettle)
	billing.POST("/deposits/verify", server.handleDepositVerify)
	billing.POST("/bonus/welcome", server.handleWelcomeBonus)
	billing.GET("/pricing/:model", server.handlePricing)

	identities := api.Group("/identity")
	identities.POST("/wallet/bind", server.handleWalletBind)
	identities.POST("/google/bind", server.handleGoogleBind)
	identities.POST("/recover", server.handleRecover)

	return router
}

func (server *Server) authMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		rawToken := bearerToken(ctx.GetHeader("Authorization"))
		if rawToken == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		principal, err := server.parser.Parse(rawToken)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session token"))
			return
		}
		ctx.Set(contextKeyPrincipal, principal)
		ctx.Next()
	}
}

func (server *Server) handleBalance(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	balance, err := server.engine.Balance(ctx.Request.Context(), principal.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayloadFrom(balance))
}

func (server *Server) handleLedger(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	entries, err := server.engine.ListEntries(ctx.Request.Context(), principal.UserID, before, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleAdmit(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	var request admitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.RequestID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "request_id is required"))
		return
	}

	requestor := gate.Requestor{
		UserID:        principal.UserID,
		Role:          principal.Role,
		AllowedModels: principal.AllowedModels,
	}
	decision, err := server.gatekeeper.Admit(ctx.Request.Context(), requestor, request.Model)
	observeAdmission(decision.Allowed, decision.Reason)
	if !decision.Allowed {
		switch decision.Reason {
		case gate.ReasonModelNotAllowed:
			ctx.JSON(http.StatusForbidden, errorResponse("model_not_allowed", "model is not in the caller's allowed set"))
		case gate.ReasonServiceUnavailable:
			if err != nil {
				server.logger.Warn("admission failed closed", zap.Error(err))
			}
			ctx.JSON(http.StatusServiceUnavailable, errorResponse("service_unavailable", "balance check unavailable, try again"))
		default:
			ctx.JSON(http.StatusPaymentRequired, insufficientCreditsResponse(decision.BalanceAtCheck))
		}
		return
	}

	admission := gate.Admission{
		RequestID:    request.RequestID,
		UserID:       principal.UserID,
		Model:        request.Model,
		DiscountRate: decision.DiscountRate,
		AdmittedAt:   server.engine.Now(),
	}
	if err := server.admissions.Put(admission); err != nil {
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_request", "request_id already admitted"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"allowed":        true,
		"request_id":     request.RequestID,
		"estimated_cost": decision.EstimatedCost,
		"discount_rate":  decision.DiscountRate,
		"balance":        decision.BalanceAtCheck,
	})
}

func (server *Server) handleSettle(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	admission, found := server.admissions.Take(request.RequestID)
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_request", "request_id was never admitted or is already settled"))
		return
	}
	if admission.UserID != principal.UserID {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "request was admitted for another user"))
		return
	}

	model := request.Model
	if model == "" {
		model = admission.Model
	}
	requestCtx := gate.WithAdmission(ctx.Request.Context(), admission)
	result, err := server.gatekeeper.Settle(requestCtx, principal.UserID, model, request.TokensIn, request.TokensOut, admission.DiscountRate, request.RequestID)
	if err != nil {
		// Fail open on the billing side: the usage goes unbilled and is
		// never retried. The status still reports the outage so callers
		// can tell it apart from a depleted balance.
		server.logger.Error("settlement failed", zap.String("request_id", request.RequestID), zap.Error(err))
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"settled":      result.Success,
		"credits_cost": result.CreditsCost,
		"model":        result.Model,
		"tokens_in":    result.TokensIn,
		"tokens_out":   result.TokensOut,
	})
}

func (server *Server) handleDepositVerify(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	receipt, err := server.deposits.Process(ctx.Request.Context(), principal.UserID, request.Chain, request.TxRef)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"tx_ref":          receipt.TxRef,
		"token":           receipt.Token,
		"credits_granted": receipt.CreditsGranted,
		"replayed":        receipt.Replayed,
	})
}

func (server *Server) handleWelcomeBonus(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	var request welcomeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	granted, err := server.identities.RegisterDevice(ctx.Request.Context(), principal.UserID, request.DeviceID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.respondWithBonus(ctx, principal.UserID, granted)
}

func (server *Server) handlePricing(ctx *gin.Context) {
	model := ctx.Param("model")
	overrides := server.resolver.Overrides(ctx.Request.Context())
	price := pricing.Lookup(model, overrides)
	ctx.JSON(http.StatusOK, gin.H{
		"model":                model,
		"provider":             price.Provider,
		"credits_per_m_input":  price.CreditsPerMInput,
		"credits_per_m_output": price.CreditsPerMOutput,
		"estimated_cost":       pricing.EstimateCost(model, 0, overrides),
	})
}

func (server *Server) handleWalletBind(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	var request walletBindRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	granted, err := server.identities.BindWallet(ctx.Request.Context(), principal.UserID, request.Address)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.respondWithBonus(ctx, principal.UserID, granted)
}

func (server *Server) handleGoogleBind(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	var request googleBindRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	granted, err := server.identities.BindGoogle(ctx.Request.Context(), principal.UserID, request.IDToken)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.respondWithBonus(ctx, principal.UserID, granted)
}

func (server *Server) handleRecover(ctx *gin.Context) {
	principal := getPrincipal(ctx)
	var request recoverRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := server.identities.RecoverByGoogle(ctx.Request.Context(), request.IDToken, principal.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"old_user_id":         result.OldUserID,
		"new_user_id":         result.NewUserID,
		"credits_transferred": result.CreditsTransferred,
	})
}

func (server *Server) respondWithBonus(ctx *gin.Context, userID string, granted bool) {
	balance, err := server.engine.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"granted": granted,
		"balance": balancePayloadFrom(balance),
	})
}

// respondError maps domain sentinels to the error envelope. Outages are
// never reported as empty balances.
func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "balance too low"))
	case errors.Is(err, credits.ErrAuthentication):
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "credential verification failed"))
	case errors.Is(err, credits.ErrIdentityBoundToOther):
		ctx.JSON(http.StatusConflict, errorResponse("identity_conflict", "credential is bound to another user"))
	case errors.Is(err, credits.ErrUnsupportedChain):
		ctx.JSON(http.StatusBadRequest, errorResponse("unsupported_chain", "deposits from this chain are not accepted"))
	case errors.Is(err, credits.ErrDepositNotVerified):
		ctx.JSON(http.StatusBadRequest, errorResponse("deposit_not_verified", "transfer could not be verified on chain"))
	case errors.Is(err, credits.ErrDepositBelowMinimum):
		ctx.JSON(http.StatusBadRequest, errorResponse("deposit_too_small", "transfer converts to zero credits"))
	case errors.Is(err, credits.ErrInvalidUserID), errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
	case errors.Is(err, credits.ErrStoreUnavailable), errors.Is(err, credits.ErrVerifierUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("service_unavailable", "dependency unavailable, try again"))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func getPrincipal(ctx *gin.Context) identity.Principal {
	value, _ := ctx.Get(contextKeyPrincipal)
	principal, _ := value.(identity.Principal)
	return principal
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func insufficientCreditsResponse(balance int64) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    "insufficient_credits",
			"message": "spendable balance is below the admission minimum",
			"balance": balance,
		},
	}
}

type admitRequest struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
}

type settleRequest struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

type depositRequest struct {
	Chain string `json:"chain"`
	TxRef string `json:"tx_ref"`
}

type welcomeRequest struct {
	DeviceID string `json:"device_id"`
}

type walletBindRequest struct {
	Address string `json:"address"`
}

type googleBindRequest struct {
	IDToken string `json:"id_token"`
}

type recoverRequest struct {
	IDToken string `json:"id_token"`
}

type balancePayload struct {
	UserID           string    `json:"user_id"`
	SpendableCredits int64     `json:"spendable_credits"`
	LegacyCredits    int64     `json:"legacy_credits"`
	TotalCredits     int64     `json:"total_credits"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func balancePayloadFrom(balance credits.Balance) balancePayload {
	return balancePayload{
		UserID:           balance.UserID,
		SpendableCredits: balance.SpendableCredits,
		LegacyCredits:    balance.LegacyCredits,
		TotalCredits:     balance.Total(),
		UpdatedAt:        balance.UpdatedAt,
	}
}

type entryPayload struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	AmountCredits int64     `json:"amount_credits"`
	Scene         string    `json:"scene"`
	Source        string    `json:"source"`
	Model         string    `json:"model,omitempty"`
	TokensIn      int       `json:"tokens_in,omitempty"`
	TokensOut     int       `json:"tokens_out,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func entryPayloadFrom(entry credits.LedgerEntry) entryPayload {
	return entryPayload{
		ID:            entry.ID,
		Kind:          string(entry.Kind),
		AmountCredits: entry.AmountCredits,
		Scene:         string(entry.Scene),
		Source:        string(entry.Source),
		Model:         entry.Model,
		TokensIn:      entry.TokensIn,
		TokensOut:     entry.TokensOut,
		Reference:     entry.Reference,
		CreatedAt:     entry.CreatedAt,
	}
}
