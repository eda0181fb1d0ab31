package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/process"
	ws "github.com/maestro/maestro/pkg/websocket"
)

// Gateway represents the unified WebSocket gateway
type Gateway struct {
	Hub             *Hub
	Dispatcher      *ws.Dispatcher
	Handler         *Handler
	TerminalHandler *TerminalHandler
	logger          *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components initialized
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	// Register health check handler
	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetTerminalHandler enables the dedicated terminal WebSocket handler for passthrough
// and user-shell modes. This must be called before SetupRoutes if terminal access is needed.
func (g *Gateway) SetTerminalHandler(supervisor *process.Supervisor, userService UserService) {
	g.TerminalHandler = NewTerminalHandler(supervisor, userService, g.logger)
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)

	// Add dedicated terminal WebSocket route if terminal handler is configured
	if g.TerminalHandler != nil {
		router.GET("/xterm.js/:sessionId", g.TerminalHandler.HandleTerminalWS)
	}
}

