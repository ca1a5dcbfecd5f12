// Package push delivers notifications to mobile devices through the
// configured service.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/restplate/internal/config"
)

const (
	ServiceZeroPush = "zeropush"
	ServiceLog      = "log"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	// ErrMissingToken is returned when zeropush is selected without an auth token.
	ErrMissingToken = errors.New("push auth token is not set")
	// ErrInvalidNotification is returned for notifications that cannot be sent.
	ErrInvalidNotification = errors.New("invalid notification")
)

// Notification is a push message for a set of devices or a channel.
type Notification struct {
	DeviceTokens []string       `json:"device_tokens,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	Alert        string         `json:"alert,omitempty"`
	Badge        string         `json:"badge,omitempty"`
	Sound        string         `json:"sound,omitempty"`
	Info         map[string]any `json:"info,omitempty"`
}

// Validate checks that n has a target and some content.
func (n Notification) Validate() error {
	if len(n.DeviceTokens) == 0 && n.Channel == "" {
		return fmt.Errorf("%w: device_tokens or channel is required", ErrInvalidNotification)
	}
	if len(n.DeviceTokens) > 0 && n.Channel != "" {
		return fmt.Errorf("%w: device_tokens and channel are mutually exclusive", ErrInvalidNotification)
	}
	if n.Alert == "" && n.Badge == "" && len(n.Info) == 0 {
		return fmt.Errorf("%w: alert, badge or info is required", ErrInvalidNotification)
	}
	for _, token := range n.DeviceTokens {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("%w: empty device token", ErrInvalidNotification)
		}
	}
	return nil
}

// Service delivers notifications.
type Service interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// New selects the service named in settings.
func New(settings config.PushSettings, logger *zap.Logger, client *http.Client) (Service, error) {
	switch settings.Service {
	case ServiceZeroPush:
		return NewZeroPush(settings.Endpoint, settings.AuthToken, client)
	case ServiceLog:
		return NewLogService(logger), nil
	default:
		return nil, fmt.Errorf("unknown push service %q", settings.Service)
	}
}

// ZeroPush posts notifications to the ZeroPush HTTP API.
type ZeroPush struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewZeroPush returns a ZeroPush client. A nil client gets a default timeout.
func NewZeroPush(endpoint, token string, client *http.Client) (*ZeroPush, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &ZeroPush{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   client,
	}, nil
}

// Name implements Service.
func (z *ZeroPush) Name() string { return ServiceZeroPush }

type zeroPushRequest struct {
	AuthToken string `json:"auth_token"`
	Notification
}

type zeroPushError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Notify sends n to /notify, or to /broadcast when it targets a channel.
func (z *ZeroPush) Notify(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	path := "/notify"
	if n.Channel != "" {
		path = "/broadcast"
	}

	body, err := json.Marshal(zeroPushRequest{AuthToken: z.token, Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := z.client.Do(req)
	if err != nil {
		return fmt.Errorf("zeropush: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var apiErr zeroPushError
	if json.Unmarshal(raw, &apiErr) == nil && (apiErr.Error != "" || apiErr.Message != "") {
		return fmt.Errorf("zeropush: %s: %s %s", resp.Status, apiErr.Error, apiErr.Message)
	}
	return fmt.Errorf("zeropush: %s", resp.Status)
}

// LogService writes notifications to a logger instead of delivering them.
type LogService struct {
	logger *zap.Logger
}

// NewLogService returns a LogService.
func NewLogService(logger *zap.Logger) *LogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogService{logger: logger}
}

// Name implements Service.
func (l *LogService) Name() string { return ServiceLog }

// Notify logs n.
func (l *LogService) Notify(_ context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	l.logger.Info("push notification",
		zap.Strings("device_tokens", n.DeviceTokens),
		zap.String("channel", n.Channel),
		zap.String("alert", n.Alert),
		zap.String("badge", n.Badge),
		zap.Any("info", n.Info),
	)
	return nil
}
