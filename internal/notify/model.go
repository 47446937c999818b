package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	// TriggerTypeInsert is the only trigger type the dispatcher acts on.
	TriggerTypeInsert = "INSERT"
	// ReportTable names the report log; triggers for any other table are ignored.
	ReportTable = "store_product_flags"
)

var errMalformedRecord = errors.New("notify: malformed record")

// Trigger is the change notification delivered by the database webhook or by
// the in-process report listener.
type Trigger struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// OutcomeKind tags how one dispatcher invocation ended.
type OutcomeKind string

const (
	OutcomeIgnored    OutcomeKind = "ignored"
	OutcomeIgnoredTTL OutcomeKind = "ignored_ttl"
	OutcomeDedup      OutcomeKind = "dedup"
	OutcomeNoStoreGeo OutcomeKind = "no_store_geo"
	OutcomeCooldown   OutcomeKind = "cooldown"
	OutcomeNoWatchers OutcomeKind = "no_watchers"
	OutcomeSent       OutcomeKind = "sent"
	outcomeError      OutcomeKind = "error"
)

// Outcome is the result of one dispatcher invocation.
type Outcome struct {
	Kind      OutcomeKind
	Sent      int
	Attempted int
	Disabled  int
}

// Payload is the fixed push message body.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url"`
	ProductID int64  `json:"product_id"`
	StoreID   string `json:"store_id"`
}

const (
	payloadTitle = "近くの店舗で買えた報告がありました"
	payloadBody  = "買えた報告が入りました（直近2時間以内）。在庫を保証するものではありません。"
	payloadURL   = "/"
)

func newPayload(storeID string, productID int64) Payload {
	return Payload{
		Title:     payloadTitle,
		Body:      payloadBody,
		URL:       payloadURL,
		ProductID: productID,
		StoreID:   storeID,
	}
}

// ProcessedEvent marks an event key as handled. The primary key is the only
// guard against concurrent duplicate processing.
type ProcessedEvent struct {
	EventKey    string    `gorm:"column:event_key;primaryKey;size:512"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProcessedEvent) TableName() string {
	return "notify_processed"
}

// Cooldown records the last successful send per product and area bucket.
type Cooldown struct {
	ProductID  int64     `gorm:"column:product_id;primaryKey;autoIncrement:false"`
	AreaKey    string    `gorm:"column:area_key;primaryKey;size:32"`
	LastSentAt time.Time `gorm:"column:last_sent_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cooldown) TableName() string {
	return "notify_cooldowns"
}

// NotificationLog is the audit row written once per claimed event.
type NotificationLog struct {
	ID        string         `gorm:"column:id;primaryKey;size:64"`
	EventKey  string         `gorm:"column:event_key;size:512;not null;index"`
	StoreID   string         `gorm:"column:store_id;size:190;not null"`
	ProductID int64          `gorm:"column:product_id;not null"`
	AreaKey   string         `gorm:"column:area_key;size:32;not null;default:''"`
	Outcome   OutcomeKind    `gorm:"column:outcome;size:32;not null"`
	SentCount int            `gorm:"column:sent_count;not null;default:0"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (NotificationLog) TableName() string {
	return "notify_logs"
}

// reportRecord is the subset of a report row the dispatcher reads.
type reportRecord struct {
	StoreID      string
	ProductID    int64
	Status       string
	SessionID    string
	CreatedAtRaw string
	CreatedAt    time.Time
	createdAtOK  bool
}

// eventKey identifies one inbound report: store, product, then the session id
// or, when absent, the raw creation timestamp.
func (r reportRecord) eventKey() string {
	discriminator := r.SessionID
	if discriminator == "" {
		discriminator = r.CreatedAtRaw
	}
	return fmt.Sprintf("%s:%d:%s", r.StoreID, r.ProductID, discriminator)
}

type rawRecord struct {
	StoreID   json.RawMessage `json:"store_id"`
	ProductID json.RawMessage `json:"product_id"`
	Status    string          `json:"status"`
	SessionID *string         `json:"session_id"`
	CreatedAt string          `json:"created_at"`
}

func parseRecord(raw json.RawMessage) (reportRecord, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return reportRecord{}, fmt.Errorf("%w: empty", errMalformedRecord)
	}
	var decoded rawRecord
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return reportRecord{}, fmt.Errorf("%w: %v", errMalformedRecord, err)
	}

	record := reportRecord{
		StoreID:      scalarString(decoded.StoreID),
		Status:       decoded.Status,
		CreatedAtRaw: decoded.CreatedAt,
	}
	if decoded.SessionID != nil {
		record.SessionID = strings.TrimSpace(*decoded.SessionID)
	}
	if productID, err := strconv.ParseInt(scalarString(decoded.ProductID), 10, 64); err == nil {
		record.ProductID = productID
	}
	record.CreatedAt, record.createdAtOK = parseTimestamp(decoded.CreatedAt)
	return record, nil
}

// scalarString renders a JSON string or number as plain text.
func scalarString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err == nil {
		return number.String()
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
