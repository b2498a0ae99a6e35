package handlers

import (
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/pawcare/portal/internal/chat"
	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/events"
	"github.com/pawcare/portal/internal/media"
)

// chatError maps service errors onto the envelope. It reports false when err
// was nil.
func (h *Handler) chatError(c *gin.Context, op string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, chat.ErrInvalidSession):
		common.Fail(c, http.StatusBadRequest, 40003, "invalid session id")
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
	case errors.Is(err, chat.ErrUnknownProvider):
		common.Fail(c, http.StatusBadRequest, 10004, "unknown ai provider")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message is empty")
	case errors.Is(err, chat.ErrUnsupported), errors.Is(err, media.ErrUnsupported):
		common.Fail(c, http.StatusUnsupportedMediaType, 41500, "unsupported media type")
	case errors.Is(err, chat.ErrEnqueue):
		common.Fail(c, http.StatusServiceUnavailable, 50002, "enqueue failed")
	default:
		h.log.Error().Err(err).Str("op", op).Str("request_id", c.GetString("request_id")).Msg("chat request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
	return true
}

type createSessionReq struct {
	Title    string `json:"title"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Title, req.Provider, req.Model)
	if h.chatError(c, "create session", err) {
		return
	}
	common.OK(c, sess)
}

type listSessionsQuery struct {
	Page   int    `form:"page" binding:"omitempty,min=1"`
	Limit  int    `form:"limit" binding:"omitempty,min=1"`
	Status string `form:"status" binding:"omitempty,oneof=active archived"`
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	var q listSessionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid query")
		return
	}

	sessions, total, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, q.Page, q.Limit, chat.SessionStatus(q.Status))
	if h.chatError(c, "list sessions", err) {
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	common.OK(c, gin.H{
		"sessions": sessions,
		"total":    total,
	})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), uid, c.Param("session_id"))
	if h.chatError(c, "get session", err) {
		return
	}
	common.OK(c, sess)
}

// ArchiveChatSession hides a session from the default list; it stays
// readable and listable with ?status=archived.
func (h *Handler) ArchiveChatSession(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	sess, err := h.ChatSvc.ArchiveSession(c.Request.Context(), uid, c.Param("session_id"))
	if h.chatError(c, "archive session", err) {
		return
	}
	common.OK(c, sess)
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, c.Param("session_id"))
	if h.chatError(c, "delete session", err) {
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	before := c.Query("before")

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, before)
	if h.chatError(c, "list messages", err) {
		return
	}

	var nextBefore string
	if len(msgs) > 0 {
		nextBefore = msgs[len(msgs)-1].MessageID
	}

	common.OK(c, gin.H{
		"messages":   chat.Snapshots(msgs),
		"nextBefore": nextBefore,
	})
}

type sendMessageReq struct {
	Text string `json:"text"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(key) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	ex, err := h.ChatSvc.SendText(c.Request.Context(), uid, c.Param("session_id"), req.Text, key)
	if h.chatError(c, "send message", err) {
		return
	}

	status := http.StatusCreated
	if !ex.Created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"code":    0,
		"message": "ok",
		"data": gin.H{
			"userMessage":      ex.UserMessage.Snapshot(),
			"assistantMessage": ex.AssistantMessage.Snapshot(),
		},
	})
}

func (h *Handler) UploadAudio(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	if h.chatError(c, "upload audio", h.ChatSvc.ValidateSessionOwner(ctx, uid, sessionID)) {
		return
	}

	maxBytes := int64(h.Cfg.MaxUploadMB) << 20
	// multipart framing needs a little room on top of the file itself
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.Fail(c, http.StatusRequestEntityTooLarge, 41300, "file too large")
			return
		}
		common.Fail(c, http.StatusBadRequest, 10001, "multipart field \"file\" required")
		return
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename)))
	}
	if kind, ok := media.KindOf(mimeType); !ok || kind != events.VariantAudio {
		common.Fail(c, http.StatusUnsupportedMediaType, 41500, "audio file required")
		return
	}

	f, err := fh.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "unreadable upload")
		return
	}
	defer f.Close()

	blob, err := h.Media.Save(ctx, uid, sessionID, fh.Filename, mimeType, f)
	switch {
	case errors.Is(err, media.ErrTooLarge):
		common.Fail(c, http.StatusRequestEntityTooLarge, 41300, "file too large")
		return
	case errors.Is(err, media.ErrEmpty):
		common.Fail(c, http.StatusBadRequest, 10002, "file is empty")
		return
	case h.chatError(c, "save media", err):
		return
	}

	msg, err := h.ChatSvc.SendAudio(ctx, uid, sessionID, chat.MediaRef{
		ID:       blob.ID,
		MimeType: blob.MimeType,
		Size:     blob.Size,
	})
	if h.chatError(c, "send audio", err) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "ok",
		"data":    msg.Snapshot(),
	})
}

func (h *Handler) MediaURL(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	m, err := h.Media.GetOwned(c.Request.Context(), uid, c.Param("media_id"))
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40405, "media not found")
			return
		}
		h.chatError(c, "media url", err)
		return
	}
	u, expires, err := h.Media.PresignURL(h.Cfg.PublicBaseURL, m)
	if h.chatError(c, "presign", err) {
		return
	}
	common.OK(c, gin.H{"url": u, "expiresAt": expires})
}

// ServeMedia streams a blob to holders of a presigned URL.
func (h *Handler) ServeMedia(c *gin.Context) {
	id := c.Param("media_id")
	if err := h.Media.Verify(id, c.Query("token")); err != nil {
		common.Fail(c, http.StatusForbidden, 40301, "invalid or expired link")
		return
	}
	f, m, err := h.Media.Open(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40405, "media not found")
			return
		}
		h.chatError(c, "serve media", err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", m.MimeType)
	c.Header("Cache-Control", "private, max-age=300")
	http.ServeContent(c.Writer, c.Request, m.Filename, m.CreatedAt, f)
}
