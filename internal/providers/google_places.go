package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	placesSearchURL  = "https://places.googleapis.com/v1/places:searchText"
	placesFieldMask  = "places.displayName,places.formattedAddress,places.internationalPhoneNumber,places.websiteUri,places.rating,places.userRatingCount,places.id,nextPageToken"
	defaultRadiusMtr = 5000
)

// GooglePlaces calls the Places API (New) text search.
type GooglePlaces struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

var _ PlacesSearcher = (*GooglePlaces)(nil)

func NewGooglePlaces(apiKey string) *GooglePlaces {
	return &GooglePlaces{apiKey: apiKey, baseURL: placesSearchURL, client: defaultHTTPClient()}
}

// WithBaseURL points the client at another endpoint.
func (g *GooglePlaces) WithBaseURL(u string) *GooglePlaces {
	g.baseURL = u
	return g
}

type placesRequest struct {
	TextQuery    string `json:"textQuery"`
	LocationBias struct {
		Circle struct {
			Center struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"center"`
			Radius float64 `json:"radius"`
		} `json:"circle"`
	} `json:"locationBias"`
	PageSize  int    `json:"pageSize"`
	PageToken string `json:"pageToken,omitempty"`
}

type placesResponse struct {
	Places []struct {
		ID          string `json:"id"`
		DisplayName struct {
			Text string `json:"text"`
		} `json:"displayName"`
		FormattedAddress         string  `json:"formattedAddress"`
		InternationalPhoneNumber string  `json:"internationalPhoneNumber"`
		WebsiteURI               string  `json:"websiteUri"`
		Rating                   float64 `json:"rating"`
		UserRatingCount          int     `json:"userRatingCount"`
	} `json:"places"`
	NextPageToken string `json:"nextPageToken"`
}

func (g *GooglePlaces) SearchText(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	var body placesRequest
	body.TextQuery = req.Query
	body.LocationBias.Circle.Center.Latitude = req.Lat
	body.LocationBias.Circle.Center.Longitude = req.Lng
	body.LocationBias.Circle.Radius = req.RadiusMeters
	if body.LocationBias.Circle.Radius <= 0 {
		body.LocationBias.Circle.Radius = defaultRadiusMtr
	}
	body.PageSize = req.PageSize
	body.PageToken = req.PageToken

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", g.apiKey)
	httpReq.Header.Set("X-Goog-FieldMask", placesFieldMask)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("places: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("places", resp)
	}

	var decoded placesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("places: decode: %w", err)
	}
	out := &SearchResult{NextPageToken: decoded.NextPageToken, Places: make([]Place, 0, len(decoded.Places))}
	for _, p := range decoded.Places {
		out.Places = append(out.Places, Place{
			ID:               p.ID,
			Name:             p.DisplayName.Text,
			FormattedAddress: p.FormattedAddress,
			Phone:            p.InternationalPhoneNumber,
			Website:          p.WebsiteURI,
			Rating:           p.Rating,
			UserRatingCount:  p.UserRatingCount,
		})
	}
	return out, nil
}
