package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// websocket hands the upgraded connection to the live hub. The operator
// token was already checked; account binding happens on the socket.
func (s *Server) websocket(c *gin.Context) {
	if s.deps.Live == nil {
		respondError(c, http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "live channel not ready")
		return
	}
	s.deps.Live.ServeWS(c.Writer, c.Request)
}
