package http

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/core"
)

// Handlers serves the broker admin API.
type Handlers struct {
	core    *core.Core
	metrics *monitoring.Metrics
}

// NewHandlers creates the admin handlers.
func NewHandlers(c *core.Core, m *monitoring.Metrics) *Handlers {
	return &Handlers{core: c, metrics: m}
}

// Register mounts the admin routes.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
	r.GET("/processes", h.Processes)
	r.GET("/transactions", h.Transactions)
	r.GET("/transactions/failed", h.FailedTransactions)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		h.metrics.Registry(), promhttp.HandlerOpts{})))
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": h.core.Version(),
	})
}

// Stats returns broker-wide counters and the metrics snapshot.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"core":    h.core.Stats(),
		"metrics": h.metrics.GetSnapshot(),
	})
}

// Processes dumps every open endpoint. The dump can get large, so it is
// marshalled with sonic and streamed as-is.
func (h *Handlers) Processes(c *gin.Context) {
	body, err := sonic.Marshal(gin.H{
		"success":   true,
		"processes": h.core.Processes(),
		"orphans":   h.core.OrphanNodes(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// Transactions returns the recent-transaction ring.
func (h *Handlers) Transactions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"transactions": h.core.TransactionLog(),
	})
}

// FailedTransactions returns the failed-transaction ring.
func (h *Handlers) FailedTransactions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"transactions": h.core.FailedTransactionLog(),
	})
}
