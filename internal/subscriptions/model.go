package subscriptions

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSubscriberID indicates an empty or oversized subscriber identifier.
	ErrInvalidSubscriberID = errors.New("subscriptions: invalid subscriber id")
	// ErrInvalidProductID indicates a non-positive product identifier.
	ErrInvalidProductID = errors.New("subscriptions: invalid product id")
	// ErrInvalidEndpoint indicates a push endpoint that is not an absolute http(s) URL.
	ErrInvalidEndpoint = errors.New("subscriptions: invalid push endpoint")
	// ErrInvalidKeys indicates missing push encryption keys.
	ErrInvalidKeys = errors.New("subscriptions: invalid push keys")
)

// Watch is a subscriber's interest in one product around one area bucket.
// A watch is active while enabled and not yet expired; rows are never deleted.
type Watch struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriberID string    `gorm:"column:subscriber_id;size:190;not null;uniqueIndex:idx_watches_subscriber_product,priority:1"`
	ProductID    int64     `gorm:"column:product_id;not null;uniqueIndex:idx_watches_subscriber_product,priority:2;index:idx_watches_product_area,priority:1"`
	AreaKey      string    `gorm:"column:area_key;size:32;not null;index:idx_watches_product_area,priority:2"`
	IsEnabled    bool      `gorm:"column:is_enabled;not null;default:true"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Watch) TableName() string {
	return "watches"
}

// ActiveAt reports whether the watch should receive notifications at now.
func (w Watch) ActiveAt(now time.Time) bool {
	return w.IsEnabled && w.ExpiresAt.After(now)
}

// PushRegistration is one browser push endpoint owned by a subscriber.
type PushRegistration struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriberID string    `gorm:"column:subscriber_id;size:190;not null;index"`
	Endpoint     string    `gorm:"column:endpoint;size:1024;not null;uniqueIndex"`
	P256dhKey    string    `gorm:"column:p256dh;size:256;not null"`
	AuthKey      string    `gorm:"column:auth;size:128;not null"`
	IsEnabled    bool      `gorm:"column:is_enabled;not null;default:true"`
	UserAgent    string    `gorm:"column:user_agent;size:512"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PushRegistration) TableName() string {
	return "push_subscriptions"
}

// PushTarget is the delivery view of an enabled registration.
type PushTarget struct {
	SubscriberID string
	Endpoint     string
	P256dhKey    string
	AuthKey      string
}

// SubscriberID is a validated externally issued subscriber identity.
type SubscriberID string

// NewSubscriberID validates raw input and returns a SubscriberID.
func NewSubscriberID(raw string) (SubscriberID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubscriberID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubscriberID, maxIdentifierLength)
	}
	return SubscriberID(trimmed), nil
}

// String returns the underlying identifier.
func (id SubscriberID) String() string {
	return string(id)
}

// PushKeys carries the client encryption keys of a push subscription.
type PushKeys struct {
	P256dh string
	Auth   string
}

func validateEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
	return trimmed, nil
}

func validateKeys(keys PushKeys) (PushKeys, error) {
	trimmed := PushKeys{P256dh: strings.TrimSpace(keys.P256dh), Auth: strings.TrimSpace(keys.Auth)}
	if trimmed.P256dh == "" || trimmed.Auth == "" {
		return PushKeys{}, ErrInvalidKeys
	}
	return trimmed, nil
}
