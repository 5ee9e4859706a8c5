package handler

import (
	"github.com/pawtrack/internal/service"
)

// API bundles shared dependencies for HTTP handlers.
type API struct {
	rules *service.RecurrenceService
}

// NewAPI constructs a handler set around the recurrence service.
func NewAPI(rules *service.RecurrenceService) *API {
	return &API{rules: rules}
}
