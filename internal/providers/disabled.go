package providers

import "context"

// Disabled stands in for a provider whose credentials are not configured.
// Every call fails with Unavailable.
type Disabled struct {
	Service string
}

func (d Disabled) Name() string { return d.Service }

func (d Disabled) SearchText(context.Context, SearchRequest) (*SearchResult, error) {
	return nil, unavailable(d.Service, ErrNotConfigured)
}

func (d Disabled) StartContactScrape(context.Context, []ScrapeTarget) (*ScrapeRun, error) {
	return nil, unavailable(d.Service, ErrNotConfigured)
}

func (d Disabled) FetchResults(context.Context, string) ([]ContactResult, error) {
	return nil, unavailable(d.Service, ErrNotConfigured)
}

func (d Disabled) SendTemplate(context.Context, WhatsAppMessage) (string, error) {
	return "", unavailable(d.Service, ErrNotConfigured)
}

var (
	_ PlacesSearcher = Disabled{}
	_ Scraper        = Disabled{}
	_ WhatsAppSender = Disabled{}
)
