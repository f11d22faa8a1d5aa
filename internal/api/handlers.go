package api

import (
	"net/http"
	"strings"
	"time"

	"pricesettle/internal/ledger"
	"pricesettle/internal/price"
	"pricesettle/pkg/symbol"

	gin "github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type priceResponse struct {
	Symbol     string       `json:"symbol"`
	Price      float64      `json:"price"`
	Source     price.Source `json:"source,omitempty"`
	ObservedAt *time.Time   `json:"observed_at,omitempty"`
}

func toPriceResponse(s price.Sample) priceResponse {
	at := s.ObservedAt
	return priceResponse{Symbol: s.Symbol, Price: s.Price, Source: s.Source, ObservedAt: &at}
}

type positionsResponse struct {
	Rows []ledger.Position `json:"rows"`
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type checkResponse struct {
	Settled int `json:"settled"`
}

// getPrice reads the cache only; an unseen symbol reports price 0.
func (s *Server) getPrice(c *gin.Context) {
	raw := strings.TrimSpace(c.Param("symbol"))
	if raw == "" {
		s.badRequest(c, "symbol is required")
		return
	}
	if smp, ok := s.Engine.LatestSample(raw); ok {
		c.JSON(http.StatusOK, toPriceResponse(smp))
		return
	}
	c.JSON(http.StatusOK, priceResponse{Symbol: symbol.Normalize(raw)})
}

func (s *Server) openPosition(c *gin.Context) {
	var req ledger.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid body: "+err.Error())
		return
	}

	pos, err := s.Engine.OpenPosition(c.Request.Context(), req)
	if err != nil {
		s.domainError(c, "OpenPosition", err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

func (s *Server) getPosition(c *gin.Context) {
	pos, err := s.Engine.GetPosition(c.Param("id"))
	if err != nil {
		s.domainError(c, "GetPosition", err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) settlePosition(c *gin.Context) {
	pos, err := s.Engine.SettlePosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.domainError(c, "SettlePosition", err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) checkExpired(c *gin.Context) {
	n := s.Engine.ForceCheckExpired(c.Request.Context())
	c.JSON(http.StatusOK, checkResponse{Settled: n})
}

func (s *Server) listOpen(c *gin.Context) {
	c.JSON(http.StatusOK, positionsResponse{Rows: s.Engine.ListOpenPositions(c.Param("owner"))})
}

func (s *Server) listClosed(c *gin.Context) {
	c.JSON(http.StatusOK, positionsResponse{Rows: s.Engine.ListClosedPositions(c.Param("owner"))})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Stats(c.Param("owner")))
}

func (s *Server) getBalance(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Balance(c.Param("owner")))
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid body: "+err.Error())
		return
	}

	b, err := s.Engine.Deposit(c.Request.Context(), c.Param("owner"), req.Amount)
	if err != nil {
		s.domainError(c, "Deposit", err)
		return
	}
	c.JSON(http.StatusOK, b)
}
