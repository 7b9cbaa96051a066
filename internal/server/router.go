package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mesaj-chat/backend/internal/apperr"
	"github.com/mesaj-chat/backend/internal/chat"
	"github.com/mesaj-chat/backend/internal/identity"
	"github.com/mesaj-chat/backend/internal/push"
	"go.uber.org/zap"
)

const userIDContextKey = "mesaj_user_id"

const defaultMessagePageSize = 50

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingChatService     = errors.New("chat service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the services behind it. Push is
// optional; when nil no notifications are dispatched.
type Dependencies struct {
	TokenManager SessionTokenManager
	Identity     *identity.Service
	Chat         *chat.Service
	Push         *push.Dispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the chat API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		identity: deps.Identity,
		chat:     deps.Chat,
		push:     deps.Push,
		profiles: &profileResolver{identity: deps.Identity},
		logger:   logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users", handler.handleListUsers)
	protected.GET("/me", handler.handleGetMe)
	protected.PATCH("/me", handler.handleUpdateMe)
	protected.PUT("/me/push-token", handler.handleSetPushToken)
	protected.POST("/conversations", handler.handleOpenConversation)
	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/stream", handler.handleConversationStream)
	protected.DELETE("/conversations/:id", handler.handleHideConversation)
	protected.GET("/conversations/:id/messages", handler.handleListMessages)
	protected.POST("/conversations/:id/messages", handler.handleSendMessage)
	protected.GET("/conversations/:id/ws", handler.handleConversationSocket)

	return router, nil
}

type httpHandler struct {
	tokens   SessionTokenManager
	identity *identity.Service
	chat     *chat.Service
	push     *push.Dispatcher
	profiles chat.ProfileResolver
	logger   *zap.Logger
}

// profileResolver adapts the identity service to the chat layer's resolver
// contract: a missing account degrades to a placeholder, never an error.
type profileResolver struct {
	identity *identity.Service
}

func (r *profileResolver) ResolveProfile(ctx context.Context, userID string) (chat.Profile, error) {
	user, err := r.identity.Get(ctx, userID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return chat.PlaceholderProfile(userID), nil
	}
	if err != nil {
		return chat.Profile{}, err
	}
	return chat.Profile{
		UserID:      user.UserID,
		Email:       user.Email,
		Username:    user.Username,
		DisplayName: user.Name(),
		AvatarURL:   user.AvatarURL,
	}, nil
}

type userPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func toUserPayload(user identity.User) userPayload {
	return userPayload{
		ID:          user.UserID,
		Email:       user.Email,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	}
}

type sessionPayload struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	TokenType   string      `json:"token_type"`
	User        userPayload `json:"user"`
}

type registerRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.identity.Register(c.Request.Context(), request.Email, request.Password, request.Username)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSession(c, http.StatusCreated, user)
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.identity.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSession(c, http.StatusOK, user)
}

func (h *httpHandler) respondSession(c *gin.Context, status int, user identity.User) {
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), user.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, sessionPayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        toUserPayload(user),
	})
}

// authorizeRequest accepts the session token from the Authorization header
// or, for stream and socket endpoints that cannot set headers, from the
// access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	users, err := h.identity.ListUsers(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]userPayload, 0, len(users))
	for _, user := range users {
		payload = append(payload, toUserPayload(user))
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

func (h *httpHandler) handleGetMe(c *gin.Context) {
	user, err := h.identity.Get(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserPayload(user))
}

type updateProfilePayload struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

func (h *httpHandler) handleUpdateMe(c *gin.Context) {
	var request updateProfilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.identity.UpdateProfile(c.Request.Context(), c.GetString(userIDContextKey), identity.ProfileUpdate{
		DisplayName: request.DisplayName,
		AvatarURL:   request.AvatarURL,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserPayload(user))
}

type pushTokenPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleSetPushToken(c *gin.Context) {
	var request pushTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.identity.SetPushToken(c.Request.Context(), c.GetString(userIDContextKey), request.Token); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type openConversationPayload struct {
	OtherUserID string `json:"other_user_id"`
}

type conversationPayload struct {
	ConversationID string `json:"conversation_id"`
	OtherUserID    string `json:"other_user_id"`
}

func (h *httpHandler) handleOpenConversation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request openConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OtherUserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.identity.Get(c.Request.Context(), request.OtherUserID); err != nil {
		h.respondError(c, err)
		return
	}
	conversation, err := h.chat.OpenConversation(c.Request.Context(), userID, request.OtherUserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationPayload{
		ConversationID: conversation.ConversationID,
		OtherUserID:    request.OtherUserID,
	})
}

func (h *httpHandler) handleHideConversation(c *gin.Context) {
	err := h.chat.HideConversation(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type indexRowPayload struct {
	ConversationID       string      `json:"conversation_id"`
	OtherUserID          string      `json:"other_user_id"`
	OtherUser            userPayload `json:"other_user"`
	OtherUserPlaceholder bool        `json:"other_user_placeholder"`
	LastMessageText      string      `json:"last_message_text"`
	LastMessageTimestamp int64       `json:"last_message_timestamp"`
	LastMessageIsMine    bool        `json:"last_message_is_mine"`
}

func toIndexRowPayload(row chat.IndexRow) indexRowPayload {
	return indexRowPayload{
		ConversationID: row.ConversationID,
		OtherUserID:    row.OtherUserID,
		OtherUser: userPayload{
			ID:          row.OtherProfile.UserID,
			Email:       row.OtherProfile.Email,
			Username:    row.OtherProfile.Username,
			DisplayName: row.OtherProfile.DisplayName,
			AvatarURL:   row.OtherProfile.AvatarURL,
		},
		OtherUserPlaceholder: row.OtherProfile.Placeholder,
		LastMessageText:      row.LastMessageText,
		LastMessageTimestamp: row.LastMessageTimestamp,
		LastMessageIsMine:    row.LastMessageIsMine,
	}
}

func toIndexRowPayloads(rows []chat.IndexRow) []indexRowPayload {
	payload := make([]indexRowPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, toIndexRowPayload(row))
	}
	return payload
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	rows, err := h.chat.SnapshotFor(c.Request.Context(), c.GetString(userIDContextKey), h.profiles)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": toIndexRowPayloads(rows)})
}

type messagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
}

func toMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		ID:             message.MessageID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Text:           message.Text,
		Timestamp:      message.TimestampMs,
	}
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.GetString(userIDContextKey)
	if _, err := chat.OtherParticipant(conversationID, userID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
		return
	}
	limit := defaultMessagePageSize
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	messages, err := h.chat.MostRecent(c.Request.Context(), conversationID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

type sendMessagePayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.GetString(userIDContextKey)
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.chat.Append(c.Request.Context(), conversationID, userID, request.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.dispatchNotification(message)
	c.JSON(http.StatusCreated, toMessagePayload(message))
}

// dispatchNotification hands the committed message to the push dispatcher on
// its own goroutine. The send has already succeeded; nothing here may block
// or fail it.
func (h *httpHandler) dispatchNotification(message chat.Message) {
	if h.push == nil {
		return
	}
	recipientID, err := chat.OtherParticipant(message.ConversationID, message.SenderID)
	if err != nil {
		h.logger.Warn("cannot determine notification recipient",
			zap.String("conversation_id", message.ConversationID),
			zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		senderName := message.SenderID
		if sender, err := h.identity.Get(ctx, message.SenderID); err == nil {
			senderName = sender.Name()
		}
		h.push.MessageAppended(ctx, push.Request{
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			RecipientID:    recipientID,
			SenderName:     senderName,
			Text:           message.Text,
			TimestampMs:    message.TimestampMs,
		})
	}()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidArgument:
		status = http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.CodePermissionDenied:
		status = http.StatusForbidden
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeAlreadyExists:
		status = http.StatusConflict
	case apperr.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal_error"})
		return
	}
	message := "request_failed"
	var coded *apperr.Error
	if errors.As(err, &coded) && coded.Message != "" {
		message = coded.Message
	}
	c.JSON(status, gin.H{"error": message})
}
