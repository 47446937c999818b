// Package search assembles nearby stores with their live and community availability.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/qpick/availability/backend/internal/cache"
	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/scoring"
)

var (
	// ErrProductNotFound indicates the searched product is unknown.
	ErrProductNotFound = errors.New("search: product not found")

	errMissingProducts = errors.New("product catalog is required")
	errMissingStores   = errors.New("store locator is required")
	errMissingEvents   = errors.New("event source is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opAggregatorNew = "search.aggregator.new"
	opSearch        = "search.search"
	opStoreStats    = "search.store_stats"
	opNearby        = "search.nearby"
)

const (
	defaultLiveWindow      = 6 * time.Hour
	defaultCommunityWindow = 30 * 24 * time.Hour
	defaultRadiusMeters    = 5000
	defaultDisplayLimit    = 50
	defaultChainOverfetch  = 200
	defaultNearRadius      = 1500
	defaultNearLimit       = 10
	searchSource           = "qpick_api"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ProductCatalog resolves products.
type ProductCatalog interface {
	Product(ctx context.Context, productID int64) (geo.Product, error)
}

// StoreLocator answers nearness and administrative metadata lookups.
type StoreLocator interface {
	NearbyStores(ctx context.Context, center geo.Coordinate, radiusMeters float64, limit int) ([]geo.NearbyStore, error)
	AdminMetadata(ctx context.Context, storeIDs []string) (map[string]geo.AdminInfo, error)
}

// EventSource reads windowed report events.
type EventSource interface {
	ScoringEventsSince(ctx context.Context, productID int64, storeIDs []string, since time.Time) ([]scoring.Event, error)
}

// Observer receives search telemetry.
type Observer interface {
	ObserveSearch(sortMode string, elapsed time.Duration)
	ObserveCache(hit bool)
}

type Config struct {
	Products        ProductCatalog
	Stores          StoreLocator
	Events          EventSource
	Database        *gorm.DB
	Cache           cache.Store
	CacheTTL        time.Duration
	Observer        Observer
	Clock           func() time.Time
	Logger          *zap.Logger
	LiveWindow      time.Duration
	CommunityWindow time.Duration
	Community       scoring.CommunityPolicy
	HighRisk        scoring.HighRiskPolicy
	RadiusMeters    float64
	DisplayLimit    int
	ChainOverfetch  int
	NearRadius      float64
	NearLimit       int
}

// Aggregator serves search, store detail and nearby store queries.
type Aggregator struct {
	products        ProductCatalog
	stores          StoreLocator
	events          EventSource
	db              *gorm.DB
	cache           cache.Store
	cacheTTL        time.Duration
	observer        Observer
	clock           func() time.Time
	logger          *zap.Logger
	liveWindow      time.Duration
	communityWindow time.Duration
	community       scoring.CommunityPolicy
	highRisk        scoring.HighRiskPolicy
	radiusMeters    float64
	displayLimit    int
	chainOverfetch  int
	nearRadius      float64
	nearLimit       int
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Products == nil {
		return nil, newServiceError(opAggregatorNew, "missing_products", errMissingProducts)
	}
	if cfg.Stores == nil {
		return nil, newServiceError(opAggregatorNew, "missing_stores", errMissingStores)
	}
	if cfg.Events == nil {
		return nil, newServiceError(opAggregatorNew, "missing_events", errMissingEvents)
	}
	community := cfg.Community
	if community == (scoring.CommunityPolicy{}) {
		community = scoring.DefaultCommunityPolicy()
	}
	if err := community.Validate(); err != nil {
		return nil, newServiceError(opAggregatorNew, "invalid_policy", err)
	}
	highRisk := cfg.HighRisk
	if highRisk == (scoring.HighRiskPolicy{}) {
		highRisk = scoring.DefaultHighRiskPolicy()
	}

	aggregator := &Aggregator{
		products:        cfg.Products,
		stores:          cfg.Stores,
		events:          cfg.Events,
		db:              cfg.Database,
		cache:           cfg.Cache,
		cacheTTL:        cfg.CacheTTL,
		observer:        cfg.Observer,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		liveWindow:      positiveDuration(cfg.LiveWindow, defaultLiveWindow),
		communityWindow: positiveDuration(cfg.CommunityWindow, defaultCommunityWindow),
		community:       community,
		highRisk:        highRisk,
		radiusMeters:    positiveFloat(cfg.RadiusMeters, defaultRadiusMeters),
		displayLimit:    positiveInt(cfg.DisplayLimit, defaultDisplayLimit),
		chainOverfetch:  positiveInt(cfg.ChainOverfetch, defaultChainOverfetch),
		nearRadius:      positiveFloat(cfg.NearRadius, defaultNearRadius),
		nearLimit:       positiveInt(cfg.NearLimit, defaultNearLimit),
	}
	if aggregator.observer == nil {
		aggregator.observer = noopObserver{}
	}
	if aggregator.clock == nil {
		aggregator.clock = time.Now
	}
	if aggregator.logger == nil {
		aggregator.logger = noOpLogger
	}
	return aggregator, nil
}

// Search returns the scored nearby stores for one product. On failure the
// returned Result is still well formed so callers can serialize it as is.
func (a *Aggregator) Search(ctx context.Context, query Query) (Result, error) {
	started := a.clock()
	result := a.emptyResult(query)

	product, err := a.products.Product(ctx, query.ProductID)
	if errors.Is(err, geo.ErrProductNotFound) {
		return result, newServiceError(opSearch, "product_not_found", fmt.Errorf("%w: %d", ErrProductNotFound, query.ProductID))
	}
	if err != nil {
		a.logError(opSearch, "product_lookup_failed", err, zap.Int64("product_id", query.ProductID))
		return result, newServiceError(opSearch, "product_lookup_failed", err)
	}
	productName := product.Name
	result.ProductName = &productName

	chain := product.NormalizedChain()
	fetchLimit := a.displayLimit
	if chain != geo.ChainAll {
		fetchLimit = a.chainOverfetch
	}
	nearby, err := a.stores.NearbyStores(ctx, query.Location, a.radiusMeters, fetchLimit)
	if err != nil {
		a.logError(opSearch, "nearby_lookup_failed", err, zap.Int64("product_id", query.ProductID))
		return result, newServiceError(opSearch, "nearby_lookup_failed", err)
	}

	candidates := make([]geo.NearbyStore, 0, len(nearby))
	for _, store := range nearby {
		if chain != geo.ChainAll && geo.NormalizeChain(store.Chain) != chain {
			continue
		}
		candidates = append(candidates, store)
		if len(candidates) == a.displayLimit {
			break
		}
	}

	storeIDs := make([]string, 0, len(candidates))
	for _, store := range candidates {
		storeIDs = append(storeIDs, store.ID)
	}

	admin := map[string]geo.AdminInfo{}
	if len(storeIDs) > 0 {
		loaded, err := a.stores.AdminMetadata(ctx, storeIDs)
		if err != nil {
			a.logError(opSearch, "admin_metadata_failed", err, zap.Int("stores", len(storeIDs)))
		} else {
			admin = loaded
		}
	}

	now := a.clock().UTC()
	tallies := a.loadTallies(ctx, opSearch, query.ProductID, storeIDs, now)

	for _, store := range candidates {
		pair := tallies[store.ID]
		row := StoreResult{
			ID:             store.ID,
			Chain:          store.Chain,
			Name:           store.Name,
			Address:        store.Address,
			Phone:          store.Phone,
			Latitude:       store.Latitude,
			Longitude:      store.Longitude,
			DistanceMeters: store.DistanceMeters,
			Community:      a.communityView(pair.Community),
			Score:          a.scoreView(pair.Live),
			HighRisk:       a.highRisk.IsHighRisk(pair.Community),
		}
		if info, ok := admin[store.ID]; ok {
			row.Pref = optionalString(info.Pref)
			row.City = optionalString(info.City)
			row.Slug = optionalString(info.Slug)
		}
		if row.HighRisk {
			result.HighRiskStoreIDs = append(result.HighRiskStoreIDs, store.ID)
		}
		result.Stores = append(result.Stores, row)
	}

	if len(result.Stores) > 0 {
		result.AreaPref = result.Stores[0].Pref
		result.AreaCity = result.Stores[0].City
	}

	result.Sort = resolveSortMode(query.Sort, result.Stores)
	sortStores(result.Stores, result.Sort)

	a.recordSearch(ctx, product, result, now)
	a.observer.ObserveSearch(string(result.Sort), a.clock().Sub(started))
	return result, nil
}

// StoreStats returns both windows and the high-risk flag for one store.
func (a *Aggregator) StoreStats(ctx context.Context, storeID string, productID int64) (StoreStats, error) {
	if storeID == "" || productID <= 0 {
		return StoreStats{}, newServiceError(opStoreStats, "invalid_input", errors.New("store id and product id are required"))
	}
	now := a.clock().UTC()
	pair := a.loadTallies(ctx, opStoreStats, productID, []string{storeID}, now)[storeID]
	return StoreStats{
		StoreID:   storeID,
		ProductID: productID,
		Community: a.communityView(pair.Community),
		Score:     a.scoreView(pair.Live),
		HighRisk:  a.highRisk.IsHighRisk(pair.Community),
	}, nil
}

// NearbyStores lists the closest stores for the report picker.
func (a *Aggregator) NearbyStores(ctx context.Context, location geo.Coordinate) ([]NearbyStore, error) {
	nearby, err := a.stores.NearbyStores(ctx, location, a.nearRadius, a.nearLimit)
	if err != nil {
		a.logError(opNearby, "nearby_lookup_failed", err)
		return []NearbyStore{}, newServiceError(opNearby, "nearby_lookup_failed", err)
	}
	stores := make([]NearbyStore, 0, len(nearby))
	for _, store := range nearby {
		stores = append(stores, NearbyStore{
			ID:             store.ID,
			Chain:          store.Chain,
			Name:           store.Name,
			Address:        store.Address,
			Latitude:       store.Latitude,
			Longitude:      store.Longitude,
			DistanceMeters: store.DistanceMeters,
		})
	}
	return stores, nil
}

// Invalidate drops cached tallies for a store/product pair after a new report.
func (a *Aggregator) Invalidate(ctx context.Context, storeID string, productID int64) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, tallyCacheKey(productID, storeID)); err != nil {
		a.logger.Warn("score cache invalidation failed",
			zap.String("store_id", storeID),
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
}

type windowTallies struct {
	Live      scoring.Tally `json:"live"`
	Community scoring.Tally `json:"community"`
}

func tallyCacheKey(productID int64, storeID string) string {
	return "score:" + strconv.FormatInt(productID, 10) + ":" + storeID
}

// loadTallies returns both windows per store. Event source failures degrade to
// empty tallies.
func (a *Aggregator) loadTallies(ctx context.Context, operation string, productID int64, storeIDs []string, now time.Time) map[string]windowTallies {
	tallies := make(map[string]windowTallies, len(storeIDs))
	if len(storeIDs) == 0 {
		return tallies
	}

	missing := storeIDs
	if a.cache != nil && a.cacheTTL > 0 {
		missing = make([]string, 0, len(storeIDs))
		for _, storeID := range storeIDs {
			cached, ok := a.cachedTallies(ctx, productID, storeID)
			a.observer.ObserveCache(ok)
			if ok {
				tallies[storeID] = cached
				continue
			}
			missing = append(missing, storeID)
		}
		if len(missing) == 0 {
			return tallies
		}
	}

	communitySince := now.Add(-a.communityWindow)
	events, err := a.events.ScoringEventsSince(ctx, productID, missing, communitySince)
	if err != nil {
		a.logError(operation, "events_lookup_failed", err, zap.Int64("product_id", productID))
		return tallies
	}

	liveByStore := scoring.TallyByStore(events, now.Add(-a.liveWindow), time.Time{})
	communityByStore := scoring.TallyByStore(events, communitySince, time.Time{})
	for _, storeID := range missing {
		pair := windowTallies{Live: liveByStore[storeID], Community: communityByStore[storeID]}
		tallies[storeID] = pair
		a.storeTallies(ctx, productID, storeID, pair)
	}
	return tallies
}

func (a *Aggregator) cachedTallies(ctx context.Context, productID int64, storeID string) (windowTallies, bool) {
	raw, ok, err := a.cache.Get(ctx, tallyCacheKey(productID, storeID))
	if err != nil {
		a.logger.Warn("score cache read failed", zap.String("store_id", storeID), zap.Error(err))
		return windowTallies{}, false
	}
	if !ok {
		return windowTallies{}, false
	}
	var pair windowTallies
	if err := json.Unmarshal(raw, &pair); err != nil {
		return windowTallies{}, false
	}
	return pair, true
}

func (a *Aggregator) storeTallies(ctx context.Context, productID int64, storeID string, pair windowTallies) {
	if a.cache == nil || a.cacheTTL <= 0 {
		return
	}
	encoded, err := json.Marshal(pair)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, tallyCacheKey(productID, storeID), encoded, a.cacheTTL); err != nil {
		a.logger.Warn("score cache write failed", zap.String("store_id", storeID), zap.Error(err))
	}
}

func (a *Aggregator) communityView(tally scoring.Tally) CommunityView {
	score := a.community.ScoreCommunity(tally)
	return CommunityView{
		WindowDays:   int(a.communityWindow / (24 * time.Hour)),
		Found:        tally.FoundCount,
		NotFound:     tally.NotFoundCount,
		Total:        tally.Total(),
		LastReportAt: tally.LastEventAt,
		Label:        score.Label,
	}
}

func (a *Aggregator) scoreView(tally scoring.Tally) ScoreView {
	score := scoring.ScoreLive(tally)
	view := ScoreView{
		WindowHours:    int(a.liveWindow / time.Hour),
		FoundCount:     tally.FoundCount,
		NotFoundCount:  tally.NotFoundCount,
		Total:          tally.Total(),
		LastFoundAt:    tally.LastFoundAt,
		LastNotFoundAt: tally.LastNotFoundAt,
		LastAnyAt:      tally.LastEventAt,
		Label:          score.Label,
		Rank:           score.Rank,
	}
	if tally.LastStatus != "" {
		status := tally.LastStatus
		view.LastStatus = &status
	}
	return view
}

func (a *Aggregator) emptyResult(query Query) Result {
	sortMode := query.Sort
	if sortMode == "" {
		sortMode = SortDistance
	}
	return Result{
		ProductID:           query.ProductID,
		Stores:              []StoreResult{},
		HighRiskStoreIDs:    []string{},
		CommunityWindowDays: int(a.communityWindow / (24 * time.Hour)),
		LiveWindowHours:     int(a.liveWindow / time.Hour),
		Sort:                sortMode,
	}
}

// recordSearch writes the demand log row. Failures are logged and never fail the search.
func (a *Aggregator) recordSearch(ctx context.Context, product geo.Product, result Result, now time.Time) {
	if a.db == nil {
		return
	}
	entry := SearchLog{
		Keyword:         product.Name,
		Category:        optionalString(product.Category),
		StoreCountShown: len(result.Stores),
		SearchSource:    searchSource,
		AreaPref:        result.AreaPref,
		AreaCity:        result.AreaCity,
		SortMode:        string(result.Sort),
		CreatedAt:       now,
	}
	if entry.Keyword == "" {
		entry.Keyword = strconv.FormatInt(product.ID, 10)
	}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		a.logError(opSearch, "search_log_failed", err, zap.Int64("product_id", product.ID))
	}
}

func (a *Aggregator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("search aggregator error", attrs...)
}

type noopObserver struct{}

func (noopObserver) ObserveSearch(string, time.Duration) {}
func (noopObserver) ObserveCache(bool)                   {}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveFloat(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
