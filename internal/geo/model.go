package geo

import "strings"

// ChainAll marks a product sold by every chain.
const ChainAll = "all"

// Store is the persisted store directory row.
type Store struct {
	ID        string   `gorm:"column:id;primaryKey;size:190;not null"`
	Chain     string   `gorm:"column:chain;size:64;not null;default:''"`
	Name      string   `gorm:"column:name;size:320"`
	Address   string   `gorm:"column:address;size:512"`
	Phone     string   `gorm:"column:phone;size:64"`
	Latitude  *float64 `gorm:"column:latitude;index:idx_stores_lat_lng,priority:1"`
	Longitude *float64 `gorm:"column:longitude;index:idx_stores_lat_lng,priority:2"`
	Pref      string   `gorm:"column:pref;size:64;index:idx_stores_pref_city,priority:1"`
	City      string   `gorm:"column:city;size:128;index:idx_stores_pref_city,priority:2"`
	Slug      string   `gorm:"column:slug;size:190;index"`
}

// TableName provides the explicit table binding for GORM.
func (Store) TableName() string {
	return "stores"
}

// Coordinate returns the store location when both coordinates are present.
func (s Store) Coordinate() (Coordinate, bool) {
	if s.Latitude == nil || s.Longitude == nil {
		return Coordinate{}, false
	}
	coordinate, err := NewCoordinate(*s.Latitude, *s.Longitude)
	if err != nil {
		return Coordinate{}, false
	}
	return coordinate, true
}

// Product is the persisted product catalog row.
type Product struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name     string `gorm:"column:name;size:320;not null"`
	Category string `gorm:"column:category;size:128"`
	Chain    string `gorm:"column:chain;size:64;not null;default:'all'"`
}

// TableName provides the explicit table binding for GORM.
func (Product) TableName() string {
	return "products"
}

// NormalizedChain returns the product's chain restriction, defaulting to ChainAll.
func (p Product) NormalizedChain() string {
	return NormalizeChain(p.Chain)
}

// NormalizeChain lowercases and trims a chain identifier; unknown or empty values mean ChainAll.
func NormalizeChain(raw string) string {
	switch value := strings.ToLower(strings.TrimSpace(raw)); value {
	case "seven_eleven", "familymart", "lawson":
		return value
	default:
		return ChainAll
	}
}

// NearbyStore is a store annotated with its distance from the searcher.
type NearbyStore struct {
	Store
	DistanceMeters float64
}

// AdminInfo carries the administrative metadata used for downstream linking.
type AdminInfo struct {
	Pref string
	City string
	Slug string
}
