package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/pawcare/portal/internal/auth"
	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/users"
)

type sendCodeReq struct {
	Email string `json:"email" binding:"required,email"`
}

func (h *Handler) SendCode(c *gin.Context) {
	var req sendCodeReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.Users.SendCode(c.Request.Context(), req.Email); err != nil {
		if errors.Is(err, users.ErrInvalidEmail) {
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("send code")
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to send code")
		return
	}
	common.OK(c, gin.H{"sent": true})
}

type createUserReq struct {
	Email    string `json:"email" binding:"required,email"`
	Code     string `json:"code" binding:"required,len=6,numeric"`
	Password string `json:"password" binding:"required,min=8"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.Users.Register(c.Request.Context(), req.Email, req.Code, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, users.ErrInvalidEmail), errors.Is(err, users.ErrWeakPassword):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		return
	case errors.Is(err, users.ErrCodeExpired):
		common.Fail(c, http.StatusBadRequest, 10020, err.Error())
		return
	case errors.Is(err, users.ErrCodeMismatch):
		common.Fail(c, http.StatusBadRequest, 10021, err.Error())
		return
	case errors.Is(err, users.ErrEmailTaken):
		common.Fail(c, http.StatusConflict, 10003, err.Error())
		return
	default:
		h.log.Error().Err(err).Msg("register")
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to create user")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
		"token":    token,
	})
}

type loginReq struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.Users.Login(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrBadCredentials) {
			common.Fail(c, http.StatusUnauthorized, 40103, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("login")
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"token": token, "user": user})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	user, err := h.Users.Get(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, user)
}
