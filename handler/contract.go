package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
	"github.com/csiiiv/philgeps-awards-dashboard/pkg/logger"
	"github.com/csiiiv/philgeps-awards-dashboard/service"
)

// ContractHandler serves the synchronous query endpoints.
type ContractHandler struct {
	engine     *service.Engine
	aggregator *service.Aggregator
	exporter   *service.Exporter
	cache      *service.ResponseCache
}

func NewContractHandler(engine *service.Engine, aggregator *service.Aggregator, exporter *service.Exporter, cache *service.ResponseCache) *ContractHandler {
	return &ContractHandler{
		engine:     engine,
		aggregator: aggregator,
		exporter:   exporter,
		cache:      cache,
	}
}

type chipSearchRequest struct {
	model.FilterRequest
	model.PageSpec
}

type paginatedAggregatesRequest struct {
	model.FilterRequest
	model.PageSpec
	Dimension model.AggregateDimension `json:"dimension"`
}

type valueDistributionRequest struct {
	model.FilterRequest
	NumBins int `json:"num_bins"`
}

type exportRequest struct {
	model.FilterRequest
	Dimension model.AggregateDimension `json:"dimension"`
}

// writeError renders the structured error body. Validation failures are the
// caller's fault; everything else is a server-side execution failure.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if service.IsValidation(err) {
		status = http.StatusBadRequest
	}
	var se *service.Error
	if errors.As(err, &se) {
		c.JSON(status, gin.H{
			"success": false,
			"error": gin.H{
				"kind":    se.Kind,
				"code":    se.Code,
				"message": se.Message,
			},
		})
		return
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   gin.H{"message": err.Error()},
	})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"kind":    service.KindValidation,
				"code":    "invalid_body",
				"message": "invalid request body: " + err.Error(),
			},
		})
		return false
	}
	return true
}

// ChipSearch runs the filtered, sorted, paginated record search.
func (h *ContractHandler) ChipSearch(c *gin.Context) {
	var req chipSearchRequest
	if !bindJSON(c, &req) {
		return
	}
	sortSpec, err := service.ValidateSort(req.SortBy, req.SortDirection)
	if err != nil {
		writeError(c, err)
		return
	}

	key := service.CacheKey("chip-search", req)
	if cached, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	pred := service.CompileFilter(&req.FilterRequest)
	res, err := h.engine.Search(c.Request.Context(), pred, service.SearchOptions{
		Page:                 req.Page,
		PageSize:             req.PageSize,
		Sort:                 sortSpec,
		IncludeSupplementary: req.IncludeFloodControl,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.cache.Set(key, res)
	c.JSON(http.StatusOK, res)
}

// ChipAggregates computes every chart view in one pass.
func (h *ContractHandler) ChipAggregates(c *gin.Context) {
	var req model.FilterRequest
	if !bindJSON(c, &req) {
		return
	}

	key := service.CacheKey("chip-aggregates", req)
	if cached, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	pred := service.CompileFilter(&req)
	res, err := h.aggregator.Aggregates(c.Request.Context(), pred, req.IncludeFloodControl)
	if err != nil {
		writeError(c, err)
		return
	}
	h.cache.Set(key, res)
	c.JSON(http.StatusOK, res)
}

// ChipAggregatesPaginated pages a single-dimension rollup.
func (h *ContractHandler) ChipAggregatesPaginated(c *gin.Context) {
	var req paginatedAggregatesRequest
	if !bindJSON(c, &req) {
		return
	}
	sortSpec, err := service.ValidateAggregateSort(req.SortBy, req.SortDirection)
	if err != nil {
		writeError(c, err)
		return
	}

	key := service.CacheKey("chip-aggregates-paginated", req)
	if cached, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	pred := service.CompileFilter(&req.FilterRequest)
	res, err := h.aggregator.Paginated(c.Request.Context(), pred, req.Dimension, sortSpec, req.Page, req.PageSize, req.IncludeFloodControl)
	if err != nil {
		writeError(c, err)
		return
	}
	h.cache.Set(key, res)
	c.JSON(http.StatusOK, res)
}

// ValueDistribution computes the contract amount histogram.
func (h *ContractHandler) ValueDistribution(c *gin.Context) {
	var req valueDistributionRequest
	if !bindJSON(c, &req) {
		return
	}

	key := service.CacheKey("value-distribution", req)
	if cached, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	pred := service.CompileFilter(&req.FilterRequest)
	res, err := h.aggregator.ValueDistribution(c.Request.Context(), pred, req.NumBins, req.IncludeFloodControl)
	if err != nil {
		writeError(c, err)
		return
	}
	h.cache.Set(key, res)
	c.JSON(http.StatusOK, res)
}

// ExportEstimate previews a record-level export.
func (h *ContractHandler) ExportEstimate(c *gin.Context) {
	var req model.FilterRequest
	if !bindJSON(c, &req) {
		return
	}
	pred := service.CompileFilter(&req)
	res, err := h.exporter.EstimateRecords(c.Request.Context(), pred, req.IncludeFloodControl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExportAggregatedEstimate previews an aggregate-level export.
func (h *ContractHandler) ExportAggregatedEstimate(c *gin.Context) {
	var req exportRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.Dimension.Valid() {
		writeError(c, invalidDimension(req.Dimension))
		return
	}
	pred := service.CompileFilter(&req.FilterRequest)
	res, err := h.exporter.EstimateAggregates(c.Request.Context(), pred, req.Dimension, req.IncludeFloodControl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Export streams the record-level CSV. The body is written incrementally;
// a broken connection stops the stream without an error response.
func (h *ContractHandler) Export(c *gin.Context) {
	var req model.FilterRequest
	if !bindJSON(c, &req) {
		return
	}
	pred := service.CompileFilter(&req)

	setCSVHeaders(c, fmt.Sprintf("contracts_%s.csv", time.Now().Format("20060102_150405")))
	rows, err := h.exporter.StreamRecords(c.Request.Context(), c.Writer, pred, req.IncludeFloodControl)
	if err != nil {
		// Headers are committed; all we can do is log and cut the stream.
		logger.Error(c.Request.Context(), "export stream failed", "rows", rows, "error", err)
		c.Abort()
	}
}

// ExportAggregated streams the aggregate-level CSV for one dimension.
func (h *ContractHandler) ExportAggregated(c *gin.Context) {
	var req exportRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.Dimension.Valid() {
		writeError(c, invalidDimension(req.Dimension))
		return
	}
	pred := service.CompileFilter(&req.FilterRequest)

	setCSVHeaders(c, fmt.Sprintf("aggregates_%s_%s.csv", req.Dimension, time.Now().Format("20060102_150405")))
	rows, err := h.exporter.StreamAggregates(c.Request.Context(), c.Writer, pred, req.Dimension, req.IncludeFloodControl)
	if err != nil {
		logger.Error(c.Request.Context(), "aggregate export stream failed", "rows", rows, "error", err)
		c.Abort()
	}
}

// FilterOptions lists the distinct filterable values. The result changes
// only when the dataset is republished, so it sits in the long-TTL tier.
func (h *ContractHandler) FilterOptions(c *gin.Context) {
	const key = "filter-options:v1"
	if cached, ok := h.cache.GetLong(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}
	res, err := h.engine.FilterOptions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	h.cache.SetLong(key, res)
	c.JSON(http.StatusOK, res)
}

// Partitions reports the catalog state for operational checks.
func (h *ContractHandler) Partitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"partitions": h.engine.Catalog().Snapshot()})
}

func setCSVHeaders(c *gin.Context, filename string) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}

func invalidDimension(dim model.AggregateDimension) error {
	return &service.Error{
		Kind:    service.KindValidation,
		Code:    "invalid_dimension",
		Message: fmt.Sprintf("unsupported aggregate dimension %q", dim),
	}
}
