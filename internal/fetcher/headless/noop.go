package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless browser is disabled")

// Noop stands in for the browser when headless.enabled is false.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ErrDisabled)
}
