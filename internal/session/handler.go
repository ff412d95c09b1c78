package session

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deckline/backend/internal/audio"
	"github.com/deckline/backend/internal/auth"
	"github.com/deckline/backend/internal/chat"
	"github.com/deckline/backend/internal/schedule"
	"github.com/deckline/backend/internal/tips"
	"github.com/deckline/backend/pkg/response"
	"github.com/deckline/backend/pkg/storage"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	SlotID      string `json:"slot_id" binding:"required"`
	Method      string `json:"method" binding:"required,oneof=system device ingress"`
	DeviceID    string `json:"device_id"`
	Label       string `json:"label"`
	MountName   string `json:"mount_name"`
	DisplayName string `json:"display_name"`
}

// ChatRequest is the body for POST /sessions/:id/chat.
type ChatRequest struct {
	Text string `json:"text" binding:"required"`
}

// PromoRequest is the body for POST /sessions/:id/promo.
type PromoRequest struct {
	Text       string `json:"text" binding:"required"`
	Hyperlink  string `json:"hyperlink"`
	ArtworkURL string `json:"artwork_url"`
}

// UploadURLRequest is the body for POST /sessions/:id/promo/upload-url.
type UploadURLRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
}

// Handler exposes the session command and snapshot endpoints.
type Handler struct {
	registry *Registry
	schedule *schedule.Repository
	records  *Repository
	accounts *auth.Repository
	chatRepo *chat.Repository
	tips     *tips.Repository
	s3       *storage.S3
	logger   *zap.Logger
}

// NewHandler creates a session handler. s3 may be nil when artwork uploads
// are not configured.
func NewHandler(registry *Registry, scheduleRepo *schedule.Repository, records *Repository, accounts *auth.Repository, chatRepo *chat.Repository, tipRepo *tips.Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, schedule: scheduleRepo, records: records, accounts: accounts, chatRepo: chatRepo, tips: tipRepo, s3: s3, logger: logger}
}

// Create handles POST /sessions: creates a session for a slot and configures
// its audio source and identity in one step. Guests may create venue-shared
// sessions; authenticated DJs are resolved to their persisted handle.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		response.BadRequest(c, "invalid slot id")
		return
	}
	slot, err := h.schedule.GetSlot(c.Request.Context(), slotID)
	if err != nil {
		response.Internal(c, "failed to load slot")
		return
	}
	if slot == nil {
		response.NotFound(c, "slot not found")
		return
	}

	persistedHandle, isAuthenticated := h.resolveIdentity(c)

	ctrl := h.registry.Create(c.Request.Context(), *slot)
	err = ctrl.Configure(c.Request.Context(), audio.Method(req.Method), audio.Params{
		DeviceID:  req.DeviceID,
		Label:     req.Label,
		MountName: req.MountName,
	}, req.DisplayName, persistedHandle, isAuthenticated)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, ctrl.Snapshot())
}

// resolveIdentity reads the optional JWT set by middleware.OptionalJWT and
// looks up the account's persisted handle.
func (h *Handler) resolveIdentity(c *gin.Context) (persistedHandle string, isAuthenticated bool) {
	v, ok := c.Get(auth.ContextUserID)
	if !ok {
		return "", false
	}
	userID, ok := v.(uuid.UUID)
	if !ok {
		return "", false
	}
	acct, err := h.accounts.GetByID(c.Request.Context(), userID)
	if err != nil || acct == nil {
		return "", true
	}
	return acct.Handle, true
}

// Get handles GET /sessions/:id: the read-only snapshot for UI rendering.
// Sessions gone from memory fall back to the durable record so past shows
// stay readable after a restart.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if ctrl, ok := h.registry.Get(id); ok {
		response.OK(c, ctrl.Snapshot())
		return
	}
	h.getPersisted(c, id)
}

// getPersisted serves the record, archived chat tail and tip ledger for a
// session with no live controller.
func (h *Handler) getPersisted(c *gin.Context, id uuid.UUID) {
	rec, err := h.records.GetBySession(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load broadcast")
		return
	}
	if rec == nil {
		response.NotFound(c, "session not found")
		return
	}
	tail, err := h.chatRepo.Tail(c.Request.Context(), id, chatTailSize)
	if err != nil {
		h.logger.Warn("load chat history", zap.Error(err))
	}
	tipList, err := h.tips.ListBySession(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("load tip ledger", zap.Error(err))
	}
	response.OK(c, gin.H{
		"broadcast":    rec,
		"duration_sec": int64(rec.Duration().Seconds()),
		"chat_tail":    tail,
		"tips":         tipList,
	})
}

// GoLive handles POST /sessions/:id/go-live.
func (h *Handler) GoLive(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ctrl.GoLive(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, ctrl.Snapshot())
}

// End handles POST /sessions/:id/end.
func (h *Handler) End(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ctrl.EndBroadcast(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, ctrl.Snapshot())
}

// SendChat handles POST /sessions/:id/chat.
func (h *Handler) SendChat(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	msg, err := ctrl.SendChat(c.Request.Context(), ctrl.Snapshot().Identity.DisplayName, req.Text)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, msg)
}

// SendPromo handles POST /sessions/:id/promo.
func (h *Handler) SendPromo(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	var req PromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	msg, err := ctrl.SendPromo(c.Request.Context(), req.Text, req.Hyperlink, req.ArtworkURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, msg)
}

// GenerateUploadURL handles POST /sessions/:id/promo/upload-url: a presigned
// S3 PUT for promo artwork, same flow the client then references from the
// promo's artwork_url.
func (h *Handler) GenerateUploadURL(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	if h.s3 == nil {
		response.BadRequest(c, "artwork storage not configured")
		return
	}
	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !storage.ValidateArtworkFileType(req.ContentType, req.Filename) {
		response.BadRequest(c, "unsupported artwork file type")
		return
	}
	key := storage.ArtworkKey(ctrl.Slot().ID.String(), req.Filename)
	url, err := h.s3.GeneratePresignedUploadURL(c.Request.Context(), key, req.ContentType)
	if err != nil {
		h.logger.Error("presign artwork upload", zap.Error(err))
		response.Internal(c, "failed to generate upload url")
		return
	}
	response.OK(c, gin.H{
		"upload_url":  url,
		"artwork_url": h.s3.PublicObjectURL(key),
		"expires_in":  int(h.s3.PresignExpire().Seconds()),
	})
}

// ListBroadcasts handles GET /broadcasts: past shows, optionally ?slot_id=.
func (h *Handler) ListBroadcasts(c *gin.Context) {
	var slotID *uuid.UUID
	if s := c.Query("slot_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			response.BadRequest(c, "invalid slot id")
			return
		}
		slotID = &id
	}
	records, err := h.records.List(c.Request.Context(), slotID, 50)
	if err != nil {
		response.Internal(c, "failed to list broadcasts")
		return
	}
	response.OK(c, records)
}

func (h *Handler) lookup(c *gin.Context) (*Controller, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	ctrl, ok := h.registry.Get(id)
	if !ok {
		response.NotFound(c, "session not found")
		return nil, false
	}
	return ctrl, true
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		response.Forbidden(c, "audio capture permission denied")
	case errors.Is(err, audio.ErrDeviceNotFound):
		response.NotFound(c, "audio device not found")
	case errors.Is(err, audio.ErrNoAudioTrack):
		response.BadRequest(c, "no audio track available")
	case errors.Is(err, ErrInvalidIdentity):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNotReady):
		response.Conflict(c, "session is not ready to go live")
	case errors.Is(err, ErrSessionEnded):
		response.Conflict(c, "session already ended")
	case errors.Is(err, ErrInvalidTransition):
		response.Conflict(c, "operation not valid in current session state")
	case errors.Is(err, chat.ErrRateLimited):
		response.TooManyRequests(c, "slow down")
	case errors.Is(err, chat.ErrTooLong):
		response.BadRequest(c, err.Error())
	case errors.Is(err, chat.ErrInvalidURL):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error("session command failed", zap.Error(err))
		response.Internal(c, "internal error")
	}
}
