package geo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestDirectoryNearbyStoresOrdersByDistance(t *testing.T) {
	directory, db := newTestDirectory(t)
	seedStore(t, db, "near", "lawson", 35.6812, 139.7671)
	seedStore(t, db, "mid", "familymart", 35.6850, 139.7671)
	seedStore(t, db, "far", "seven_eleven", 35.7400, 139.7671)
	if err := db.Create(&Store{ID: "no-geo", Chain: "lawson"}).Error; err != nil {
		t.Fatalf("failed to seed store without coordinates: %v", err)
	}

	center := Coordinate{Latitude: 35.6810, Longitude: 139.7670}
	stores, err := directory.NearbyStores(context.Background(), center, 1500, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stores) != 2 {
		t.Fatalf("expected 2 stores within radius, got %d", len(stores))
	}
	if stores[0].ID != "near" || stores[1].ID != "mid" {
		t.Fatalf("unexpected order: %s, %s", stores[0].ID, stores[1].ID)
	}
	if stores[0].DistanceMeters > stores[1].DistanceMeters {
		t.Fatalf("expected ascending distances")
	}

	limited, err := directory.NearbyStores(context.Background(), center, 10000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "near" {
		t.Fatalf("expected limit to keep the nearest store, got %#v", limited)
	}
}

func TestDirectoryAdminMetadataAndLocation(t *testing.T) {
	directory, db := newTestDirectory(t)
	latitude, longitude := 35.0, 135.0
	store := Store{ID: "store-1", Chain: "lawson", Latitude: &latitude, Longitude: &longitude, Pref: "kyoto", City: "kyoto-shi", Slug: "lawson-kyoto-1"}
	if err := db.Create(&store).Error; err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	if err := db.Create(&Store{ID: "store-2"}).Error; err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	metadata, err := directory.AdminMetadata(context.Background(), []string{"store-1", "missing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metadata["store-1"].Slug != "lawson-kyoto-1" || metadata["store-1"].Pref != "kyoto" {
		t.Fatalf("unexpected metadata %#v", metadata["store-1"])
	}
	if _, ok := metadata["missing"]; ok {
		t.Fatalf("unexpected metadata for unknown store")
	}

	location, ok, err := directory.StoreLocation(context.Background(), "store-1")
	if err != nil || !ok {
		t.Fatalf("expected location, ok=%v err=%v", ok, err)
	}
	if location.AreaKey() != "35.00,135.00" {
		t.Fatalf("unexpected area key %s", location.AreaKey())
	}
	if _, ok, err := directory.StoreLocation(context.Background(), "store-2"); err != nil || ok {
		t.Fatalf("expected store without coordinates to resolve as missing, ok=%v err=%v", ok, err)
	}
	if _, ok, err := directory.StoreLocation(context.Background(), "unknown"); err != nil || ok {
		t.Fatalf("expected unknown store to resolve as missing, ok=%v err=%v", ok, err)
	}
}

func TestDirectoryProductLookup(t *testing.T) {
	directory, db := newTestDirectory(t)
	if err := db.Create(&Product{ID: 7, Name: "Onigiri", Chain: " Lawson "}).Error; err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	product, err := directory.Product(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product.NormalizedChain() != "lawson" {
		t.Fatalf("unexpected chain %q", product.NormalizedChain())
	}

	_, err = directory.Product(context.Background(), 99)
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestDirectorySuggestProducts(t *testing.T) {
	directory, db := newTestDirectory(t)
	for _, product := range []Product{
		{ID: 1, Name: "Premium Melon Bread", Category: "bakery"},
		{ID: 2, Name: "melon soda", Category: "drink"},
		{ID: 3, Name: "Onigiri"},
		{ID: 4, Name: "100% Orange"},
	} {
		if err := db.Create(&product).Error; err != nil {
			t.Fatalf("failed to seed product: %v", err)
		}
	}
	ctx := context.Background()

	candidates, err := directory.SuggestProducts(ctx, " MELON ", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 || candidates[0].ID != 1 || candidates[1].ID != 2 {
		t.Fatalf("unexpected candidates %+v", candidates)
	}

	limited, err := directory.SuggestProducts(ctx, "o", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d (%v)", len(limited), err)
	}

	literal, err := directory.SuggestProducts(ctx, "%", 10)
	if err != nil || len(literal) != 1 || literal[0].ID != 4 {
		t.Fatalf("expected wildcard to match literally, got %+v (%v)", literal, err)
	}

	empty, err := directory.SuggestProducts(ctx, "   ", 10)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty candidates for blank keyword, got %+v (%v)", empty, err)
	}
}

func TestNormalizeChainDefaultsToAll(t *testing.T) {
	for _, raw := range []string{"", "ALL", "ministop", "  "} {
		if got := NormalizeChain(raw); got != ChainAll {
			t.Fatalf("expected %q for %q, got %q", ChainAll, raw, got)
		}
	}
	if got := NormalizeChain("FamilyMart"); got != "familymart" {
		t.Fatalf("unexpected chain %q", got)
	}
}

func newTestDirectory(t *testing.T) (*Directory, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:qpick_geo_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Store{}, &Product{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	directory, err := NewDirectory(db)
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	return directory, db
}

func seedStore(t *testing.T, db *gorm.DB, id, chain string, latitude, longitude float64) {
	t.Helper()
	store := Store{ID: id, Chain: chain, Latitude: &latitude, Longitude: &longitude}
	if err := db.Create(&store).Error; err != nil {
		t.Fatalf("failed to seed store %s: %v", id, err)
	}
}
