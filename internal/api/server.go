// Package api exposes the engine over HTTP and websocket.
package api

import (
	"errors"
	"net/http"
	"time"

	"pricesettle/internal/balance"
	"pricesettle/internal/engine"
	"pricesettle/internal/ledger"
	"pricesettle/internal/price"

	gin "github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	R      *gin.Engine
	Engine *engine.Engine
	Logger *zap.Logger
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer wires the router, middleware and routes.
func NewServer(eng *engine.Engine, logger *zap.Logger, corsOrigin string) *Server {
	g := gin.New()

	// Request logging
	g.Use(func(cn *gin.Context) {
		start := time.Now()
		cn.Next()
		logger.Info("http_request",
			zap.String("method", cn.Request.Method),
			zap.String("path", cn.Request.URL.Path),
			zap.Int("status", cn.Writer.Status()),
			zap.String("ip", cn.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	})

	g.Use(gin.Recovery())

	// CORS
	g.Use(func(cn *gin.Context) {
		origin := cn.GetHeader("Origin")
		cn.Writer.Header().Set("Vary", "Origin")
		cn.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		cn.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		cn.Writer.Header().Set("Access-Control-Max-Age", "86400")
		if corsOrigin == "*" {
			cn.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && origin == corsOrigin {
			cn.Writer.Header().Set("Access-Control-Allow-Origin", corsOrigin)
		}
		if cn.Request.Method == http.MethodOptions {
			cn.AbortWithStatus(http.StatusNoContent)
			return
		}
		cn.Next()
	})

	s := &Server{R: g, Engine: eng, Logger: logger}

	g.GET("/health", s.health)
	g.GET("/metrics", gin.WrapH(eng.Metrics().Handler()))

	g.GET("/api/prices/:symbol", s.getPrice)
	g.GET("/ws/prices", s.streamPrices)

	g.POST("/api/positions", s.openPosition)
	g.GET("/api/positions/:id", s.getPosition)
	g.POST("/api/positions/:id/settle", s.settlePosition)
	g.POST("/api/settlement/check", s.checkExpired)

	g.GET("/api/owners/:owner/positions/open", s.listOpen)
	g.GET("/api/owners/:owner/positions/closed", s.listClosed)
	g.GET("/api/owners/:owner/stats", s.stats)
	g.GET("/api/owners/:owner/balance", s.getBalance)
	g.POST("/api/owners/:owner/deposit", s.deposit)

	return s
}

// --- Helpers ---

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: msg})
}

func (s *Server) internalError(c *gin.Context, where string, err error) {
	s.Logger.Error("internal_error", zap.String("where", where), zap.Error(err))
	c.JSON(http.StatusInternalServerError, apiError{Code: "internal_server_error", Message: "internal server error"})
}

// domainError maps engine errors onto statuses; anything unknown is a 500.
func (s *Server) domainError(c *gin.Context, where string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidStake),
		errors.Is(err, ledger.ErrInvalidDuration),
		errors.Is(err, ledger.ErrInvalidDirection),
		errors.Is(err, ledger.ErrInvalidOwner),
		errors.Is(err, ledger.ErrInvalidSymbol),
		errors.Is(err, balance.ErrInvalidAmount):
		s.badRequest(c, err.Error())
	case errors.Is(err, balance.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, apiError{Code: "insufficient_balance", Message: err.Error()})
	case errors.Is(err, price.ErrNoPriceAvailable):
		c.JSON(http.StatusServiceUnavailable, apiError{Code: "no_price_available", Message: err.Error()})
	case errors.Is(err, ledger.ErrPositionNotFound):
		c.JSON(http.StatusNotFound, apiError{Code: "not_found", Message: err.Error()})
	case errors.Is(err, ledger.ErrNotExpired):
		c.JSON(http.StatusConflict, apiError{Code: "not_expired", Message: err.Error()})
	default:
		s.internalError(c, where, err)
	}
}

func (s *Server) health(c *gin.Context) {
	if !s.Engine.Healthy(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
