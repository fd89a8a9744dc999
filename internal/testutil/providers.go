package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/providers"
)

// FakePlaces returns canned search results.
type FakePlaces struct {
	mu       sync.Mutex
	Places   []providers.Place
	NextPage string
	Err      error
	Requests []providers.SearchRequest
}

func (f *FakePlaces) SearchText(_ context.Context, req providers.SearchRequest) (*providers.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	places := f.Places
	if req.PageSize > 0 && len(places) > req.PageSize {
		places = places[:req.PageSize]
	}
	return &providers.SearchResult{Places: append([]providers.Place(nil), places...), NextPageToken: f.NextPage}, nil
}

// FakeScraper records started runs and serves canned dataset items.
type FakeScraper struct {
	mu       sync.Mutex
	StartErr error
	FetchErr error
	Results  map[string][]providers.ContactResult
	Runs     [][]providers.ScrapeTarget
}

func (f *FakeScraper) StartContactScrape(_ context.Context, targets []providers.ScrapeTarget) (*providers.ScrapeRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.Runs = append(f.Runs, targets)
	n := len(f.Runs)
	return &providers.ScrapeRun{RunID: fmt.Sprintf("run%d", n), DatasetID: fmt.Sprintf("ds%d", n)}, nil
}

func (f *FakeScraper) FetchResults(_ context.Context, datasetID string) ([]providers.ContactResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return f.Results[datasetID], nil
}

// FakeWhatsApp records sent messages. Setting Err makes every send fail
// with Unavailable.
type FakeWhatsApp struct {
	mu   sync.Mutex
	Err  error
	Sent []providers.WhatsAppMessage
}

func (f *FakeWhatsApp) Name() string { return "fake" }

func (f *FakeWhatsApp) SendTemplate(_ context.Context, msg providers.WhatsAppMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", apperr.ServiceUnavailable("fake", f.Err)
	}
	f.Sent = append(f.Sent, msg)
	return fmt.Sprintf("msg%d", len(f.Sent)), nil
}

// SentCount is safe to call while sends are in flight.
func (f *FakeWhatsApp) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

var (
	_ providers.PlacesSearcher = (*FakePlaces)(nil)
	_ providers.Scraper        = (*FakeScraper)(nil)
	_ providers.WhatsAppSender = (*FakeWhatsApp)(nil)
)
