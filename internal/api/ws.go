package api

import (
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all connections
	},
}

// streamPrices pushes every resolved sample of ?symbol= until the client
// goes away.
func (s *Server) streamPrices(c *gin.Context) {
	sym := strings.TrimSpace(c.Query("symbol"))
	if sym == "" {
		s.badRequest(c, "symbol is required")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	samples, cancel, err := s.Engine.StreamPrice(sym)
	if err != nil {
		_ = conn.WriteJSON(apiError{Code: "unavailable", Message: err.Error()})
		return
	}
	defer cancel()

	// reads only to notice the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case smp, ok := <-samples:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toPriceResponse(smp)); err != nil {
				s.Logger.Debug("price stream write failed", zap.String("symbol", sym), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
