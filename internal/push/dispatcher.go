// Package push delivers best-effort new-message notifications through an
// external HTTPS gateway. Delivery failures are logged and swallowed; nothing
// in this package may fail or delay the message send that triggered it.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	maxBodyLength         = 120
)

var errMissingGatewayURL = errors.New("push: gateway url required")

// TokenResolver looks up the stored delivery token for a user. An empty
// token with a nil error means the user cannot be addressed.
type TokenResolver interface {
	PushToken(ctx context.Context, userID string) (string, error)
}

// Notification is the visible part of a push message.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type gatewayRequest struct {
	To           string            `json:"to"`
	Notification Notification      `json:"notification"`
	Data         map[string]string `json:"data"`
}

// DispatcherConfig describes the dependencies of the notification dispatcher.
type DispatcherConfig struct {
	GatewayURL string
	ServerKey  string
	Tokens     TokenResolver
	HTTPClient *http.Client
	// Fallback, when set, is invoked with the notification after a gateway
	// failure. It models the local same-process notification the web client
	// shows when background delivery is unavailable.
	Fallback func(Notification)
	Logger   *zap.Logger
}

// Dispatcher submits push requests for newly appended messages.
type Dispatcher struct {
	gatewayURL string
	serverKey  string
	tokens     TokenResolver
	client     *http.Client
	fallback   func(Notification)
	logger     *zap.Logger
}

// NewDispatcher constructs a dispatcher. Tokens is required; the gateway URL
// may be empty, in which case every dispatch is a logged no-op (useful in
// development and tests).
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("push: token resolver required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		gatewayURL: strings.TrimSpace(cfg.GatewayURL),
		serverKey:  cfg.ServerKey,
		tokens:     cfg.Tokens,
		client:     client,
		fallback:   cfg.Fallback,
		logger:     logger,
	}, nil
}

// Request describes one appended message to notify the recipient about.
type Request struct {
	ConversationID string
	SenderID       string
	RecipientID    string
	SenderName     string
	Text           string
	TimestampMs    int64
}

// MessageAppended resolves the recipient's delivery token and submits a push
// request. A user is never notified about their own message; the guard runs
// before token resolution so it holds regardless of how tokens are stored.
// All failures are swallowed after logging.
func (d *Dispatcher) MessageAppended(ctx context.Context, request Request) {
	if request.RecipientID == "" || request.RecipientID == request.SenderID {
		return
	}

	token, err := d.tokens.PushToken(ctx, request.RecipientID)
	if err != nil {
		d.logger.Warn("push token resolution failed",
			zap.String("recipient_id", request.RecipientID),
			zap.Error(err))
		return
	}
	if token == "" {
		d.logger.Debug("recipient has no delivery token",
			zap.String("recipient_id", request.RecipientID))
		return
	}

	notification := Notification{
		Title: request.SenderName,
		Body:  truncate(request.Text, maxBodyLength),
	}
	if err := d.submit(ctx, token, notification, request); err != nil {
		d.logger.Warn("push delivery failed",
			zap.String("conversation_id", request.ConversationID),
			zap.String("recipient_id", request.RecipientID),
			zap.Error(err))
		if d.fallback != nil {
			d.fallback(notification)
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, token string, notification Notification, request Request) error {
	if d.gatewayURL == "" {
		return errMissingGatewayURL
	}
	payload := gatewayRequest{
		To:           token,
		Notification: notification,
		Data: map[string]string{
			"conversationId": request.ConversationID,
			"senderId":       request.SenderID,
			"recipientId":    request.RecipientID,
			"timestamp":      strconv.FormatInt(request.TimestampMs, 10),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, d.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if d.serverKey != "" {
		httpRequest.Header.Set("Authorization", "key="+d.serverKey)
	}

	response, err := d.client.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("push gateway returned status %d", response.StatusCode)
	}
	return nil
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
