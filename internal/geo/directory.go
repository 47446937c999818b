package geo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrStoreNotFound indicates the store id is unknown.
	ErrStoreNotFound = errors.New("geo: store not found")
	// ErrProductNotFound indicates the product id is unknown.
	ErrProductNotFound = errors.New("geo: product not found")

	errMissingDatabase = errors.New("geo: database handle is required")
)

// Directory answers store and product lookups from the relational store.
// Nearness uses a bounding-box prefilter followed by great-circle distance.
type Directory struct {
	db *gorm.DB
}

// NewDirectory constructs a Directory over the provided database handle.
func NewDirectory(db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Directory{db: db}, nil
}

// NearbyStores returns stores within radiusMeters of center, nearest first, at most limit rows.
func (d *Directory) NearbyStores(ctx context.Context, center Coordinate, radiusMeters float64, limit int) ([]NearbyStore, error) {
	if radiusMeters <= 0 || limit <= 0 {
		return nil, nil
	}
	latDelta, lngDelta := boundingBox(center, radiusMeters)

	var candidates []Store
	if err := d.db.WithContext(ctx).
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Where("latitude BETWEEN ? AND ?", center.Latitude-latDelta, center.Latitude+latDelta).
		Where("longitude BETWEEN ? AND ?", center.Longitude-lngDelta, center.Longitude+lngDelta).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("geo: nearby stores query: %w", err)
	}

	nearby := make([]NearbyStore, 0, len(candidates))
	for _, candidate := range candidates {
		location, ok := candidate.Coordinate()
		if !ok {
			continue
		}
		distance := DistanceMeters(center, location)
		if distance > radiusMeters {
			continue
		}
		nearby = append(nearby, NearbyStore{Store: candidate, DistanceMeters: distance})
	}

	sort.SliceStable(nearby, func(i, j int) bool {
		if nearby[i].DistanceMeters != nearby[j].DistanceMeters {
			return nearby[i].DistanceMeters < nearby[j].DistanceMeters
		}
		return nearby[i].ID < nearby[j].ID
	})
	if len(nearby) > limit {
		nearby = nearby[:limit]
	}
	return nearby, nil
}

// AdminMetadata returns pref/city/slug keyed by store id for the requested stores.
func (d *Directory) AdminMetadata(ctx context.Context, storeIDs []string) (map[string]AdminInfo, error) {
	result := make(map[string]AdminInfo, len(storeIDs))
	if len(storeIDs) == 0 {
		return result, nil
	}
	var rows []Store
	if err := d.db.WithContext(ctx).
		Select("id", "pref", "city", "slug").
		Where("id IN ?", storeIDs).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("geo: admin metadata query: %w", err)
	}
	for _, row := range rows {
		result[row.ID] = AdminInfo{Pref: row.Pref, City: row.City, Slug: row.Slug}
	}
	return result, nil
}

// StoreLocation returns the coordinate of a store. The boolean is false when the
// store is unknown or has no usable coordinates.
func (d *Directory) StoreLocation(ctx context.Context, storeID string) (Coordinate, bool, error) {
	var store Store
	err := d.db.WithContext(ctx).
		Select("id", "latitude", "longitude").
		Where("id = ?", storeID).
		Take(&store).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Coordinate{}, false, nil
	}
	if err != nil {
		return Coordinate{}, false, fmt.Errorf("geo: store location query: %w", err)
	}
	location, ok := store.Coordinate()
	return location, ok, nil
}

// Store returns a single store row.
func (d *Directory) Store(ctx context.Context, storeID string) (Store, error) {
	var store Store
	err := d.db.WithContext(ctx).Where("id = ?", storeID).Take(&store).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Store{}, fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}
	if err != nil {
		return Store{}, fmt.Errorf("geo: store query: %w", err)
	}
	return store, nil
}

// Product returns a single product row.
func (d *Directory) Product(ctx context.Context, productID int64) (Product, error) {
	var product Product
	err := d.db.WithContext(ctx).Where("id = ?", productID).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("geo: product query: %w", err)
	}
	return product, nil
}

// SuggestProducts returns products whose name contains keyword, ordered by name.
// A blank keyword yields an empty list.
func (d *Directory) SuggestProducts(ctx context.Context, keyword string, limit int) ([]Product, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" || limit <= 0 {
		return []Product{}, nil
	}
	pattern := "%" + escapeLike(strings.ToLower(keyword)) + "%"
	products := make([]Product, 0, limit)
	if err := d.db.WithContext(ctx).
		Select("id", "name", "category", "chain").
		Where("LOWER(name) LIKE ? ESCAPE '\\'", pattern).
		Order("name ASC").
		Limit(limit).
		Find(&products).Error; err != nil {
		return nil, fmt.Errorf("geo: product suggest query: %w", err)
	}
	return products, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
