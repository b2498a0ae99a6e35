package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/config"
	"github.com/pawcare/portal/internal/httpapi/handlers"
	"github.com/pawcare/portal/internal/httpapi/middleware"
)

// NewRouter mounts the REST API and, when ws is non-nil, the realtime
// endpoint at /ws.
func NewRouter(cfg config.Config, h *handlers.Handler, ws http.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.MaxMultipartMemory = 8 << 20
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// signup code
	r.POST("/auth/otp", h.SendCode)
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	// presigned media links carry their own token
	r.GET("/media/:media_id", h.ServeMedia)
	if ws != nil {
		r.GET("/ws", gin.WrapH(ws))
	}

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.GET("/chat/sessions/:session_id", h.GetChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.POST("/chat/sessions/:session_id/archive", h.ArchiveChatSession)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/sessions/:session_id/messages", h.SendChatMessage)
	authGroup.POST("/chat/sessions/:session_id/audio", h.UploadAudio)
	authGroup.GET("/chat/media/:media_id/url", h.MediaURL)
	return r
}
