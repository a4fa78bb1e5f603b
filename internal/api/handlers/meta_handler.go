package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/services"
	"example.com/storefront/services/dispatch/internal/tracing"
)

// MetaReader is the overlay read operation the handler serves.
type MetaReader interface {
	GetMeta(ctx context.Context, orderIDs []uint) ([]models.OrderMeta, error)
}

// MetaHandler serves the admin order overlay endpoint
type MetaHandler struct {
	meta   MetaReader
	tracer tracing.Tracer
}

// NewMetaHandler creates a new meta handler
func NewMetaHandler(meta MetaReader, tracer tracing.Tracer) *MetaHandler {
	return &MetaHandler{meta: meta, tracer: tracer}
}

// MetaResponse is the overlay response envelope. Always well-formed JSON,
// even on failure.
type MetaResponse struct {
	Success bool               `json:"success"`
	Meta    []models.OrderMeta `json:"meta"`
}

// HandleGetOrdersMeta returns overlay meta for the requested order ids.
// Accepts repeated ids params and comma-joined values interchangeably.
func (h *MetaHandler) HandleGetOrdersMeta(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-orders-meta")
	defer h.tracer.EndTransaction(txn)

	ids := services.NormalizeOrderIDs(c.QueryArray("ids"))
	if len(ids) == 0 {
		c.JSON(http.StatusOK, MetaResponse{Success: true, Meta: []models.OrderMeta{}})
		return
	}

	meta, err := h.meta.GetMeta(c.Request.Context(), ids)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load order meta overlay")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, MetaResponse{Success: false, Meta: []models.OrderMeta{}})
		return
	}

	c.JSON(http.StatusOK, MetaResponse{Success: true, Meta: meta})
}

// RegisterRoutes registers the handler's routes. The short /meta path is the
// contract the admin UI calls; the longer path matches the storefront's admin
// API naming.
func (h *MetaHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/meta", h.HandleGetOrdersMeta)
	router.GET("/api/admin/orders/meta", h.HandleGetOrdersMeta)
}
