package schedule

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deckline/backend/pkg/response"
)

// Handler serves schedule reads.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a schedule handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// Get handles GET /slots/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid slot id")
		return
	}
	slot, err := h.repo.GetSlot(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get slot failed", zap.Error(err))
		response.Internal(c, "failed to load slot")
		return
	}
	if slot == nil {
		response.NotFound(c, "slot not found")
		return
	}
	response.OK(c, slot)
}

// ListUpcoming handles GET /slots.
func (h *Handler) ListUpcoming(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	slots, err := h.repo.ListUpcoming(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list slots failed", zap.Error(err))
		response.Internal(c, "failed to load slots")
		return
	}
	response.OK(c, gin.H{"slots": slots, "count": len(slots)})
}
