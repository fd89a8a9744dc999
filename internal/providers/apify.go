package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	apifyBaseURL        = "https://api.apify.com/v2"
	DefaultApifyActorID = "apify/contact-detail-scraper"
)

// Apify starts contact-detail scraper runs and reads their datasets.
type Apify struct {
	token   string
	actorID string
	baseURL string
	client  *http.Client
}

var _ Scraper = (*Apify)(nil)

func NewApify(token, actorID string) *Apify {
	if actorID == "" {
		actorID = DefaultApifyActorID
	}
	return &Apify{token: token, actorID: actorID, baseURL: apifyBaseURL, client: defaultHTTPClient()}
}

// WithBaseURL points the client at another endpoint.
func (a *Apify) WithBaseURL(u string) *Apify {
	a.baseURL = strings.TrimRight(u, "/")
	return a
}

type apifyStartURL struct {
	URL      string `json:"url"`
	UserData struct {
		LeadID   string `json:"leadId"`
		TenantID string `json:"tenantId"`
	} `json:"userData"`
}

type apifyRunInput struct {
	StartURLs        []apifyStartURL `json:"startUrls"`
	MaxCrawlingDepth int             `json:"maxCrawlingDepth"`
	MaxConcurrency   int             `json:"maxConcurrency"`
}

func (a *Apify) StartContactScrape(ctx context.Context, targets []ScrapeTarget) (*ScrapeRun, error) {
	input := apifyRunInput{MaxCrawlingDepth: 0, MaxConcurrency: 5}
	for _, t := range targets {
		var su apifyStartURL
		su.URL = t.URL
		su.UserData.LeadID = t.LeadID
		su.UserData.TenantID = t.TenantID
		input.StartURLs = append(input.StartURLs, su)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	// The API addresses actors as "user~name".
	actor := strings.ReplaceAll(a.actorID, "/", "~")
	endpoint := fmt.Sprintf("%s/acts/%s/runs?token=%s", a.baseURL, url.PathEscape(actor), url.QueryEscape(a.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, statusError("apify", resp)
	}

	var decoded struct {
		Data struct {
			ID               string `json:"id"`
			DefaultDatasetID string `json:"defaultDatasetId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("apify: decode run: %w", err)
	}
	if decoded.Data.ID == "" {
		return nil, fmt.Errorf("apify: run id missing")
	}
	return &ScrapeRun{RunID: decoded.Data.ID, DatasetID: decoded.Data.DefaultDatasetID}, nil
}

func (a *Apify) FetchResults(ctx context.Context, datasetID string) ([]ContactResult, error) {
	endpoint := fmt.Sprintf("%s/datasets/%s/items?token=%s&clean=true", a.baseURL, url.PathEscape(datasetID), url.QueryEscape(a.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("apify", resp)
	}

	var items []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("apify: decode dataset: %w", err)
	}
	out := make([]ContactResult, 0, len(items))
	for _, item := range items {
		if r, ok := parseContactItem(item); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// parseContactItem reads one dataset item. Emails and social profiles may be
// plain strings or objects carrying an address or url.
func parseContactItem(item map[string]any) (ContactResult, bool) {
	u, _ := item["url"].(string)
	if u == "" {
		u, _ = item["inputUrl"].(string)
	}
	if u == "" {
		return ContactResult{}, false
	}
	r := ContactResult{URL: u, Raw: item, Social: map[string]string{}}
	r.Emails = stringList(item["emails"], "address")
	r.Phones = stringList(item["phones"], "number")

	var socials []string
	socials = append(socials, stringList(item["socialProfiles"], "url")...)
	for _, k := range []string{"facebooks", "instagrams", "linkedIns", "twitters"} {
		socials = append(socials, stringList(item[k], "url")...)
	}
	for _, s := range socials {
		switch {
		case strings.Contains(s, "facebook"):
			r.Social["facebook"] = s
		case strings.Contains(s, "instagram"):
			r.Social["instagram"] = s
		case strings.Contains(s, "linkedin"):
			r.Social["linkedin"] = s
		case strings.Contains(s, "twitter"), strings.Contains(s, "x.com"):
			r.Social["twitter"] = s
		}
	}
	return r, true
}

func stringList(v any, field string) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, e := range arr {
		switch x := e.(type) {
		case string:
			out = append(out, x)
		case map[string]any:
			if s, ok := x[field].(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
