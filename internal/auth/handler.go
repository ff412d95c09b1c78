package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/deckline/backend/internal/identity"
	"github.com/deckline/backend/pkg/response"
)

// RegisterRequest is the body for POST /auth/register. Handle is optional;
// when set it becomes the persisted name authenticated sessions lock to.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Handle   string `json:"handle"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Handler handles account endpoints.
type Handler struct {
	repo   *Repository
	jwt    *JWTService
	policy *identity.Policy
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo *Repository, jwt *JWTService, policy *identity.Policy, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, jwt: jwt, policy: policy, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Handle != "" {
		if err := h.policy.ValidateDisplayName(req.Handle); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	existing, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		response.Internal(c, "failed to check account")
		return
	}
	if existing != nil {
		response.Conflict(c, "email already registered")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}
	acct, err := h.repo.Create(c.Request.Context(), req.Email, string(hash), req.Handle)
	if err != nil {
		h.logger.Error("create account", zap.Error(err))
		response.Internal(c, "failed to create account")
		return
	}
	token, err := h.jwt.Generate(acct.ID, acct.Email, acct.Handle)
	if err != nil {
		response.Internal(c, "failed to issue token")
		return
	}
	response.Created(c, gin.H{"account": acct, "token": token})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	acct, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		response.Internal(c, "failed to load account")
		return
	}
	if acct == nil || bcrypt.CompareHashAndPassword([]byte(acct.Password), []byte(req.Password)) != nil {
		response.Unauthorized(c, "invalid email or password")
		return
	}
	token, err := h.jwt.Generate(acct.ID, acct.Email, acct.Handle)
	if err != nil {
		response.Internal(c, "failed to issue token")
		return
	}
	response.OK(c, gin.H{"account": acct, "token": token})
}

// Me handles GET /auth/me. Mounted behind the required JWT middleware, so the
// console can show the handle authenticated sessions will lock to.
func (h *Handler) Me(c *gin.Context) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		response.Unauthorized(c, "invalid or missing token")
		return
	}
	userID, ok := v.(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "invalid or missing token")
		return
	}
	acct, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		response.Internal(c, "failed to load account")
		return
	}
	if acct == nil {
		response.NotFound(c, "account not found")
		return
	}
	response.OK(c, acct)
}
