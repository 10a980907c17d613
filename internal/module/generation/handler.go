package generation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/module/credit"
	apperrors "github.com/stylemirror/server/internal/shared/errors"
	"github.com/stylemirror/server/internal/shared/middleware"
	"github.com/stylemirror/server/internal/shared/response"
)

// SignatureHeader carries the optional request signature.
const SignatureHeader = "X-Request-Signature"

// BypassHeader skips credit deduction outside production.
const BypassHeader = "X-Dev-Bypass-Credits"

// Handler exposes the generation endpoints.
type Handler struct {
	service    *Service
	ledger     *credit.Service
	production bool
	log        *zap.Logger
}

// NewHandler creates the generation handler.
func NewHandler(service *Service, ledger *credit.Service, production bool, log *zap.Logger) *Handler {
	return &Handler{service: service, ledger: ledger, production: production, log: log}
}

// RegisterRoutes registers generation routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tryon", h.generate(credit.ActionTryOn))
	r.POST("/video", h.generate(credit.ActionVideo))
	r.POST("/model3d", h.generate(credit.ActionModel3D))
	r.GET("/generations/:request_id", h.GetGeneration)
}

func (h *Handler) generate(action credit.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := middleware.GetIdentity(c)
		if !ok {
			response.FromError(c, apperrors.Unauthorized(""))
			return
		}

		var req Request
		if err := c.ShouldBindJSON(&req); err != nil {
			response.FromError(c, apperrors.Validation("body", "invalid request body"))
			return
		}

		opts := Options{
			SignatureHeader: c.GetHeader(SignatureHeader),
			BypassCredits:   !h.production && c.GetHeader(BypassHeader) == "true",
		}

		result, err := h.service.Generate(c.Request.Context(), id, action, middleware.GetRequestID(c), &req, opts)
		if err != nil {
			response.FromError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// GetGeneration returns the settlement record for one request id. Only
// the owner can read it.
func (h *Handler) GetGeneration(c *gin.Context) {
	userID := middleware.GetUserID(c)
	requestID := c.Param("request_id")

	entry, err := h.ledger.Usage(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, credit.ErrUsageNotFound) {
			response.NotFound(c, "")
			return
		}
		h.log.Error("get generation", zap.Error(err), zap.String("request_id", requestID))
		response.InternalError(c, "")
		return
	}
	if entry.UserID != userID {
		response.NotFound(c, "")
		return
	}

	c.JSON(http.StatusOK, entry)
}
