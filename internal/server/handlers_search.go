package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qpick/availability/backend/internal/search"
)

const suggestLimit = 10

type searchResponsePayload struct {
	search.Result
	Error string `json:"error,omitempty"`
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	location, ok := parseLocation(c.Query("lat"), c.Query("lng"))
	if !ok {
		respondBadRequest(c, errorCodeInvalidLocation)
		return
	}
	productID, ok := parseProductID(c.Query("product_id"))
	if !ok {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	sortMode, ok := search.ParseSortMode(strings.ToLower(strings.TrimSpace(c.Query("sort"))))
	if !ok {
		respondBadRequest(c, "invalid_sort")
		return
	}

	result, err := h.search.Search(c.Request.Context(), search.Query{
		Location:  location,
		ProductID: productID,
		Sort:      sortMode,
	})
	switch {
	case errors.Is(err, search.ErrProductNotFound):
		c.JSON(http.StatusNotFound, searchResponsePayload{Result: result, Error: "product_not_found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, searchResponsePayload{Result: result, Error: errorCode(err)})
	default:
		c.JSON(http.StatusOK, searchResponsePayload{Result: result})
	}
}

type productCandidatePayload struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Category *string `json:"category"`
}

func (h *httpHandler) handleSuggestProducts(c *gin.Context) {
	products, err := h.stores.SuggestProducts(c.Request.Context(), c.Query("keyword"), suggestLimit)
	if err != nil {
		h.logger.Error("product suggest failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "suggest_failed", "candidates": []productCandidatePayload{}})
		return
	}
	candidates := make([]productCandidatePayload, 0, len(products))
	for _, product := range products {
		candidate := productCandidatePayload{ID: product.ID, Name: product.Name}
		if product.Category != "" {
			category := product.Category
			candidate.Category = &category
		}
		candidates = append(candidates, candidate)
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

func (h *httpHandler) handleNearbyStores(c *gin.Context) {
	location, ok := parseLocation(c.Query("lat"), c.Query("lng"))
	if !ok {
		respondBadRequest(c, errorCodeInvalidLocation)
		return
	}
	stores, err := h.search.NearbyStores(c.Request.Context(), location)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stores": stores})
}

func (h *httpHandler) handleStoreStats(c *gin.Context) {
	storeID := strings.TrimSpace(c.Param("store_id"))
	productID, ok := parseProductID(c.Query("product_id"))
	if storeID == "" || !ok {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	stats, err := h.search.StoreStats(c.Request.Context(), storeID, productID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCode(err)})
		return
	}
	c.JSON(http.StatusOK, stats)
}
