package search

import (
	"time"

	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/scoring"
)

// SortMode selects the store ordering of a search result.
type SortMode string

const (
	SortDistance SortMode = "distance"
	SortRank     SortMode = "rank"
	// SortAuto picks rank order when the live window has meaningful data, distance otherwise.
	SortAuto SortMode = "auto"
)

// ParseSortMode maps a query value onto a SortMode. Empty means distance and
// "score" is accepted as an alias of rank.
func ParseSortMode(raw string) (SortMode, bool) {
	switch raw {
	case "", string(SortDistance):
		return SortDistance, true
	case string(SortRank), "score":
		return SortRank, true
	case string(SortAuto):
		return SortAuto, true
	default:
		return "", false
	}
}

// Query is a validated search request.
type Query struct {
	Location  geo.Coordinate
	ProductID int64
	Sort      SortMode
}

// CommunityView is the long-window summary of one store.
type CommunityView struct {
	WindowDays   int                    `json:"window_days"`
	Found        int                    `json:"found"`
	NotFound     int                    `json:"not_found"`
	Total        int                    `json:"total"`
	LastReportAt *time.Time             `json:"last_report_at"`
	Label        scoring.CommunityLabel `json:"label,omitempty"`
}

// ScoreView is the short-window summary of one store.
type ScoreView struct {
	WindowHours    int               `json:"ttl_hours"`
	FoundCount     int               `json:"found_count"`
	NotFoundCount  int               `json:"not_found_count"`
	Total          int               `json:"total"`
	LastFoundAt    *time.Time        `json:"last_found_at"`
	LastNotFoundAt *time.Time        `json:"last_not_found_at"`
	LastAnyAt      *time.Time        `json:"last_any_at"`
	LastStatus     *scoring.Status   `json:"last_status"`
	Label          scoring.LiveLabel `json:"label"`
	Rank           scoring.Rank      `json:"rank"`
}

// StoreResult is one store row of a search response.
type StoreResult struct {
	ID             string        `json:"id"`
	Chain          string        `json:"chain"`
	Name           string        `json:"name"`
	Address        string        `json:"address"`
	Phone          string        `json:"phone"`
	Latitude       *float64      `json:"latitude"`
	Longitude      *float64      `json:"longitude"`
	DistanceMeters float64       `json:"distance_m"`
	Pref           *string       `json:"pref"`
	City           *string       `json:"city"`
	Slug           *string       `json:"slug"`
	Community      CommunityView `json:"community"`
	Score          ScoreView     `json:"score"`
	HighRisk       bool          `json:"high_risk"`
}

func (s StoreResult) RankValue() scoring.Rank {
	return s.Score.Rank
}

func (s StoreResult) LastEventTime() *time.Time {
	return s.Score.LastAnyAt
}

func (s StoreResult) Distance() float64 {
	return s.DistanceMeters
}

// Result is the search response body. It is well formed even when the search fails.
type Result struct {
	ProductID           int64         `json:"product_id"`
	ProductName         *string       `json:"product_name"`
	Stores              []StoreResult `json:"stores"`
	HighRiskStoreIDs    []string      `json:"high_risk_store_ids"`
	CommunityWindowDays int           `json:"community_window_days"`
	LiveWindowHours     int           `json:"ttl_hours"`
	Sort                SortMode      `json:"sort"`
	AreaPref            *string       `json:"area_pref"`
	AreaCity            *string       `json:"area_city"`
}

// StoreStats is the per-store detail view.
type StoreStats struct {
	StoreID   string        `json:"store_id"`
	ProductID int64         `json:"product_id"`
	Community CommunityView `json:"community"`
	Score     ScoreView     `json:"score"`
	HighRisk  bool          `json:"high_risk"`
}

// NearbyStore is one row of the nearby store picker.
type NearbyStore struct {
	ID             string   `json:"id"`
	Chain          string   `json:"chain"`
	Name           string   `json:"name"`
	Address        string   `json:"address"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	DistanceMeters float64  `json:"distance_m"`
}

// SearchLog records one served search for product demand analysis.
type SearchLog struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Keyword         string    `gorm:"column:keyword;size:320;not null"`
	Category        *string   `gorm:"column:category;size:128"`
	StoreCountShown int       `gorm:"column:store_count_shown;not null;default:0"`
	SearchSource    string    `gorm:"column:search_source;size:64;not null"`
	AreaPref        *string   `gorm:"column:area_pref;size:64"`
	AreaCity        *string   `gorm:"column:area_city;size:128"`
	SortMode        string    `gorm:"column:sort_mode;size:16;not null;default:'distance'"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SearchLog) TableName() string {
	return "search_logs"
}
