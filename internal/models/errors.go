package models

import "errors"

// Error kinds surfaced across the pipeline. Callers wrap them with context and
// match with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrNotFound            = errors.New("not found")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderFailure     = errors.New("provider failure")
	ErrInfrastructure      = errors.New("infrastructure error")
	ErrRecrawlDisabled     = errors.New("recrawl disabled")
)
