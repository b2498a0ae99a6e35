package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pawcare/portal/internal/chat"
	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/config"
	"github.com/pawcare/portal/internal/httpapi/middleware"
	"github.com/pawcare/portal/internal/logging"
	"github.com/pawcare/portal/internal/media"
	"github.com/pawcare/portal/internal/users"
)

type Handler struct {
	Cfg     config.Config
	Users   *users.Service
	ChatSvc *chat.Service
	Media   *media.Store
	log     zerolog.Logger
}

func NewHandler(cfg config.Config, us *users.Service, chatSvc *chat.Service, ms *media.Store) *Handler {
	return &Handler{
		Cfg:     cfg,
		Users:   us,
		ChatSvc: chatSvc,
		Media:   ms,
		log:     logging.Component("http"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) userID(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

// bindJSON binds and validates the request body. Malformed JSON fails with
// 10001, a failed binding rule with 10002 naming the field.
func bindJSON(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		msg := field + " is invalid"
		switch fe.Tag() {
		case "required":
			msg = field + " is required"
		case "min":
			msg = field + " must be at least " + fe.Param() + " characters"
		}
		common.Fail(c, http.StatusBadRequest, 10002, msg)
		return false
	}
	common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
	return false
}
