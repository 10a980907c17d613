package credit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/stylemirror/server/internal/shared/errors"
	"github.com/stylemirror/server/internal/shared/middleware"
	"github.com/stylemirror/server/internal/shared/response"
)

// Handler exposes the credit balance and usage history endpoints.
type Handler struct {
	service *Service
	log     *zap.Logger
}

// NewHandler creates the credit handler.
func NewHandler(service *Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// RegisterRoutes registers credit routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits", h.GetBalance)
	r.GET("/usage", h.ListUsage)
}

type balanceResponse struct {
	Balance     int64  `json:"balance"`
	Plan        string `json:"plan"`
	PeriodStart string `json:"period_start"`
	NextReset   string `json:"next_reset"`
}

// GetBalance returns the caller's current balance with the lazy period
// reset applied.
func (h *Handler) GetBalance(c *gin.Context) {
	userID := middleware.GetUserID(c)

	account, err := h.service.Account(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("get credit account", zap.Error(err), zap.String("user_id", userID.String()))
		response.InternalError(c, "")
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		Balance:     account.Balance,
		Plan:        string(account.Plan),
		PeriodStart: account.PeriodStart.UTC().Format("2006-01-02T15:04:05Z07:00"),
		NextReset:   account.NextReset().UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// ListUsage returns the caller's recent usage entries.
func (h *Handler) ListUsage(c *gin.Context) {
	userID := middleware.GetUserID(c)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.FromError(c, apperrors.Validation("limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := h.service.RecentUsage(c.Request.Context(), userID, limit)
	if err != nil {
		h.log.Error("list usage", zap.Error(err), zap.String("user_id", userID.String()))
		response.InternalError(c, "")
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage": entries})
}
