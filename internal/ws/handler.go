package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Admin surface; restrict origins upstream
	},
}

// statsInterval is the push cadence of the stats stream.
const statsInterval = time.Second

// Handler streams live broker stats over WebSocket.
type Handler struct {
	core    *core.Core
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// NewHandler creates a stats-stream handler.
func NewHandler(c *core.Core, m *monitoring.Metrics, log *logging.Logger) *Handler {
	return &Handler{core: c, metrics: m, log: log.Named("ws")}
}

// message is one stats frame.
type message struct {
	Type      string              `json:"type"`
	Core      core.Stats          `json:"core"`
	Metrics   monitoring.Snapshot `json:"metrics"`
	Timestamp int64               `json:"timestamp"`
}

// HandleConnection upgrades the request and pushes stats until the client
// goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	// Drain (and discard) client frames so pings and closes are handled.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			msg := message{
				Type:      "stats",
				Core:      h.core.Stats(),
				Metrics:   h.metrics.GetSnapshot(),
				Timestamp: time.Now().UnixMilli(),
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("stats stream closed", zap.Error(err))
				return
			}
		}
	}
}
