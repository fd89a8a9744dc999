// Package providers holds the external collaborators billable actions call
// after their debit commits: place search, website contact scraping and
// WhatsApp delivery. Every failure a caller sees from this package is an
// apperr Unavailable error.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
)

// Place is one search result.
type Place struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	FormattedAddress string  `json:"formattedAddress"`
	Phone            string  `json:"phone,omitempty"`
	Website          string  `json:"website,omitempty"`
	Rating           float64 `json:"rating,omitempty"`
	UserRatingCount  int     `json:"userRatingCount,omitempty"`
}

// SearchRequest is a text search biased to a circle.
type SearchRequest struct {
	Query        string
	Lat, Lng     float64
	RadiusMeters float64
	PageSize     int
	PageToken    string
}

type SearchResult struct {
	Places        []Place
	NextPageToken string
}

// PlacesSearcher finds businesses.
type PlacesSearcher interface {
	SearchText(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// ScrapeTarget is one website to scrape for a lead.
type ScrapeTarget struct {
	URL      string
	LeadID   string
	TenantID string
}

// ScrapeRun identifies a started scrape.
type ScrapeRun struct {
	RunID     string `json:"runId"`
	DatasetID string `json:"datasetId"`
}

// ContactResult is what a scrape found on one website.
type ContactResult struct {
	URL    string            `json:"url"`
	Emails []string          `json:"emails,omitempty"`
	Phones []string          `json:"phones,omitempty"`
	Social map[string]string `json:"social,omitempty"`
	Raw    map[string]any    `json:"raw,omitempty"`
}

// Scraper runs asynchronous contact scrapes whose completion is reported
// by webhook.
type Scraper interface {
	StartContactScrape(ctx context.Context, targets []ScrapeTarget) (*ScrapeRun, error)
	FetchResults(ctx context.Context, datasetID string) ([]ContactResult, error)
}

// Attachment is a media header for a template message.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"href"`
}

// WhatsAppMessage is a template message to one recipient.
type WhatsAppMessage struct {
	To           string // E.164
	TemplateName string
	Namespace    string
	Variables    TemplateData
	Attachments  []Attachment
}

// WhatsAppSender delivers template messages.
type WhatsAppSender interface {
	Name() string
	SendTemplate(ctx context.Context, msg WhatsAppMessage) (messageID string, err error)
}

// ErrNotConfigured is returned by Disabled providers.
var ErrNotConfigured = errors.New("providers: not configured")

// defaultHTTPClient is shared by the REST clients.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}

// statusError reads a bounded slice of a failed response body.
func statusError(service string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%s: status %d: %s", service, resp.StatusCode, body)
}

func unavailable(service string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind == apperr.Unavailable {
		return err
	}
	return apperr.ServiceUnavailable(service, err)
}
