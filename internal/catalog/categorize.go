package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/cpoullain/climate-trends-service/internal/loader"
)

// ErrorCategory is a stable label for load-error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (datasetLoadsTotal).
const (
	ErrorCategoryTimeout         ErrorCategory = "timeout"
	ErrorCategoryNetwork         ErrorCategory = "network"
	ErrorCategoryNotFound        ErrorCategory = "not_found"
	ErrorCategoryRateLimited     ErrorCategory = "rate_limited"
	ErrorCategoryCatalog5xx      ErrorCategory = "catalog_5xx"
	ErrorCategorySchemaMismatch  ErrorCategory = "schema_mismatch"
	ErrorCategoryDataUnavailable ErrorCategory = "data_unavailable"
	ErrorCategoryParsing         ErrorCategory = "parsing"
	ErrorCategoryUnknown         ErrorCategory = "unknown"
)

// CategorizeError maps a load error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	if errors.Is(err, loader.ErrSchemaMismatch) {
		return ErrorCategorySchemaMismatch
	}
	if errors.Is(err, loader.ErrDataUnavailable) {
		return ErrorCategoryDataUnavailable
	}
	if errors.Is(err, ErrResourceNotFound) {
		return ErrorCategoryNotFound
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}
	if errors.Is(err, ErrCatalogUnavailable) {
		return ErrorCategoryCatalog5xx
	}

	errStr := err.Error()
	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}

	return ErrorCategoryUnknown
}
