package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"github.com/qpick/availability/backend/internal/subscriptions"
)

// DeliveryStatus classifies one push attempt.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryGone means the push service no longer knows the endpoint (404 or 410).
	DeliveryGone   DeliveryStatus = "gone"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryResult is the outcome of one push attempt.
type DeliveryResult struct {
	Status     DeliveryStatus
	StatusCode int
	Err        error
}

// Sender delivers an encoded payload to one push target.
type Sender interface {
	Send(ctx context.Context, target subscriptions.PushTarget, payload []byte) DeliveryResult
}

// ClassifyStatusCode maps a push service HTTP status onto a DeliveryStatus.
func ClassifyStatusCode(statusCode int) DeliveryStatus {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DeliveryDelivered
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return DeliveryGone
	default:
		return DeliveryFailed
	}
}

var errMissingVAPIDKeys = errors.New("notify: vapid key pair is required")

const defaultVAPIDSubject = "mailto:example@example.com"

type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             time.Duration
	HTTPClient      *http.Client
}

// WebPushSender delivers payloads with VAPID-signed Web Push requests.
type WebPushSender struct {
	options webpush.Options
}

func NewWebPushSender(cfg WebPushConfig) (*WebPushSender, error) {
	publicKey := strings.TrimSpace(cfg.VAPIDPublicKey)
	privateKey := strings.TrimSpace(cfg.VAPIDPrivateKey)
	if publicKey == "" || privateKey == "" {
		return nil, errMissingVAPIDKeys
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = defaultVAPIDSubject
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebPushSender{options: webpush.Options{
		HTTPClient:      client,
		Subscriber:      subject,
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             int(ttl / time.Second),
		Urgency:         webpush.UrgencyNormal,
	}}, nil
}

func (s *WebPushSender) Send(ctx context.Context, target subscriptions.PushTarget, payload []byte) DeliveryResult {
	subscription := &webpush.Subscription{
		Endpoint: target.Endpoint,
		Keys: webpush.Keys{
			P256dh: target.P256dhKey,
			Auth:   target.AuthKey,
		},
	}
	options := s.options
	response, err := webpush.SendNotificationWithContext(ctx, payload, subscription, &options)
	if err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: err}
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	status := ClassifyStatusCode(response.StatusCode)
	result := DeliveryResult{Status: status, StatusCode: response.StatusCode}
	if status != DeliveryDelivered {
		result.Err = fmt.Errorf("notify: push service responded %d", response.StatusCode)
	}
	return result
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
