package push

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"iot-gateway/internal/model"
)

// Webhook headers.
const (
	HeaderSignature     = "X-Signature"
	HeaderTimestamp     = "X-Timestamp"
	HeaderTraceID       = "X-Trace-Id"
	DefaultAPIKeyHeader = "X-API-Key"
)

// Message is one rendered delivery.
type Message struct {
	DeviceKey string
	TraceID   string
	Body      []byte
}

// Channel delivers messages for one push type.
type Channel interface {
	Send(ctx context.Context, cfg model.PushConfig, msg Message) error
	Close() error
}

// WebhookChannel POSTs JSON to the target URL.
type WebhookChannel struct {
	client *http.Client
	now    func() time.Time
}

func NewWebhookChannel(client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{client: client, now: time.Now}
}

func (w *WebhookChannel) Send(ctx context.Context, cfg model.PushConfig, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TargetURL, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.TraceID != "" {
		req.Header.Set(HeaderTraceID, msg.TraceID)
	}
	w.authorize(req, cfg, msg.Body)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *WebhookChannel) authorize(req *http.Request, cfg model.PushConfig, body []byte) {
	switch strings.ToUpper(cfg.AuthType) {
	case model.AuthBasic:
		req.SetBasicAuth(cfg.Username, cfg.Password)
	case model.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	case model.AuthAPIKey:
		header := cfg.APIKeyHeader
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		req.Header.Set(header, cfg.Token)
	case model.AuthSign:
		ts := strconv.FormatInt(w.now().UnixMilli(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(cfg.Secret, ts, body))
	}
}

// Sign returns the hex HMAC-SHA256 of timestamp + "\n" + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookChannel) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
