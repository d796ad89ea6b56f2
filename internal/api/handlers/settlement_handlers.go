package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	"github.com/bez-service/settlement_service/internal/domain/services/tokenomics"
)

// SettlementService is the slice of the settlement engine the API exposes.
type SettlementService interface {
	OnPaymentConfirmed(ctx context.Context, c entities.PaymentConfirmation) (*entities.PaymentRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*entities.PaymentRecord, error)
	DeadLetters(ctx context.Context, limit, offset int) ([]*entities.PaymentRecord, error)
	Requeue(ctx context.Context, id uuid.UUID) (*entities.PaymentRecord, error)
}

// WalletInspector reads the safe and hot wallet balances.
type WalletInspector interface {
	WalletState(ctx context.Context) (*entities.SafeWalletState, error)
}

// SettlementHandlers serves payment intake and operator endpoints.
type SettlementHandlers struct {
	service       SettlementService
	wallets       WalletInspector
	tokenDecimals uint8
	logger        *zap.Logger
}

func NewSettlementHandlers(service SettlementService, wallets WalletInspector, tokenDecimals uint8, logger *zap.Logger) *SettlementHandlers {
	return &SettlementHandlers{
		service:       service,
		wallets:       wallets,
		tokenDecimals: tokenDecimals,
		logger:        logger,
	}
}

// PaymentConfirmationRequest is posted by the fiat payment relay.
type PaymentConfirmationRequest struct {
	ExternalPaymentID string          `json:"external_payment_id" binding:"required"`
	FiatAmount        decimal.Decimal `json:"fiat_amount" binding:"required"`
	FiatCurrency      string          `json:"fiat_currency" binding:"required"`
	RecipientAddress  string          `json:"recipient_address" binding:"required"`
	TxType            string          `json:"tx_type" binding:"required"`
}

// SettlementResponse wraps a record with human-readable token amounts.
type SettlementResponse struct {
	*entities.PaymentRecord
	BezAmountDisplay string            `json:"bez_amount_display,omitempty"`
	LegsDisplay      map[string]string `json:"legs_display,omitempty"`
}

// DeadLetterListResponse is a page of dead-lettered records.
type DeadLetterListResponse struct {
	Items  []SettlementResponse `json:"items"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// WalletStateResponse reports wallet balances in raw and display units.
type WalletStateResponse struct {
	*entities.SafeWalletState
	TokenBalanceDisplay string `json:"token_balance_display"`
	AllowanceDisplay    string `json:"allowance_display"`
	GasBalanceDisplay   string `json:"gas_balance_display"`
}

// ConfirmPayment handles POST /api/v1/payments/confirmations. The record is
// stored and queued; settlement happens asynchronously. Replays return the
// existing record.
func (h *SettlementHandlers) ConfirmPayment(c *gin.Context) {
	var req PaymentConfirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request payload", map[string]interface{}{"error": err.Error()})
		return
	}

	rec, err := h.service.OnPaymentConfirmed(c.Request.Context(), entities.PaymentConfirmation{
		ExternalPaymentID: req.ExternalPaymentID,
		FiatAmount:        req.FiatAmount,
		FiatCurrency:      req.FiatCurrency,
		RecipientAddress:  req.RecipientAddress,
		TxType:            req.TxType,
	})
	if err != nil {
		h.logger.Error("Failed to accept payment confirmation",
			zap.String("external_payment_id", req.ExternalPaymentID),
			zap.String("request_id", getRequestID(c)),
			zap.Error(err))
		respondDomainError(c, err, "Failed to accept payment")
		return
	}

	c.JSON(http.StatusAccepted, h.view(rec))
}

// GetSettlement handles GET /api/v1/admin/settlements/:id.
func (h *SettlementHandlers) GetSettlement(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	rec, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err, "Failed to load settlement")
		return
	}
	c.JSON(http.StatusOK, h.view(rec))
}

// ListDeadLetters handles GET /api/v1/admin/settlements/dead-letters.
func (h *SettlementHandlers) ListDeadLetters(c *gin.Context) {
	limit, offset := parsePagination(c)

	records, err := h.service.DeadLetters(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list dead letters", zap.Error(err))
		respondDomainError(c, err, "Failed to list dead letters")
		return
	}

	items := make([]SettlementResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, h.view(rec))
	}
	c.JSON(http.StatusOK, DeadLetterListResponse{Items: items, Limit: limit, Offset: offset})
}

// RetrySettlement handles POST /api/v1/admin/settlements/:id/retry.
func (h *SettlementHandlers) RetrySettlement(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	rec, err := h.service.Requeue(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err, "Failed to requeue settlement")
		return
	}

	h.logger.Info("Settlement requeued",
		zap.String("payment_id", id.String()),
		zap.String("operator", c.GetString("operator")))
	c.JSON(http.StatusOK, h.view(rec))
}

// GetWalletState handles GET /api/v1/admin/wallet.
func (h *SettlementHandlers) GetWalletState(c *gin.Context) {
	state, err := h.wallets.WalletState(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to read wallet state", zap.Error(err))
		respondDomainError(c, err, "Failed to read wallet state")
		return
	}
	c.JSON(http.StatusOK, WalletStateResponse{
		SafeWalletState:     state,
		TokenBalanceDisplay: tokenomics.FormatUnits(state.TokenBalance, h.tokenDecimals),
		AllowanceDisplay:    tokenomics.FormatUnits(state.AllowanceToHotWallet, h.tokenDecimals),
		GasBalanceDisplay:   tokenomics.FormatUnits(state.HotWalletGasBalance, 18),
	})
}

func (h *SettlementHandlers) view(rec *entities.PaymentRecord) SettlementResponse {
	resp := SettlementResponse{PaymentRecord: rec}
	if rec.BezAmount != nil {
		resp.BezAmountDisplay = tokenomics.FormatUnits(rec.BezAmount, h.tokenDecimals)
	}
	if rec.Distribution != nil {
		resp.LegsDisplay = make(map[string]string, len(rec.Distribution.Legs))
		for kind, leg := range rec.Distribution.Legs {
			if leg.Amount != nil {
				resp.LegsDisplay[string(kind)] = tokenomics.FormatUnits(leg.Amount, h.tokenDecimals)
			}
		}
	}
	return resp
}
