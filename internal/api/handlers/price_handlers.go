package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	"github.com/bez-service/settlement_service/internal/domain/services/oracle"
)

// PriceService serves pair quotes.
type PriceService interface {
	GetPrice(ctx context.Context, pair string, opts oracle.PriceOptions) (*entities.PriceQuote, error)
}

type PriceHandlers struct {
	prices PriceService
	logger *zap.Logger
}

func NewPriceHandlers(prices PriceService, logger *zap.Logger) *PriceHandlers {
	return &PriceHandlers{prices: prices, logger: logger}
}

// GetPrice handles GET /api/v1/prices/:pair?spread=true.
func (h *PriceHandlers) GetPrice(c *gin.Context) {
	pair := c.Param("pair")
	withSpread := false
	if raw := c.Query("spread"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondBadRequest(c, "spread must be a boolean")
			return
		}
		withSpread = v
	}

	quote, err := h.prices.GetPrice(c.Request.Context(), pair, oracle.PriceOptions{WithSpread: withSpread})
	if err != nil {
		h.logger.Warn("Price lookup failed", zap.String("pair", pair), zap.Error(err))
		respondDomainError(c, err, "Failed to get price")
		return
	}
	c.JSON(http.StatusOK, quote)
}
