// Package agmarknet reads live mandi prices from the data.gov.in Agmarknet dataset.
package agmarknet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.data.gov.in/resource/9ef84268-d588-465a-a308-a864a43d0070"

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}
}

// Record is one arrival in the dataset. Prices are in rupees per quintal.
type Record struct {
	State       string `json:"state"`
	District    string `json:"district"`
	Market      string `json:"market"`
	Commodity   string `json:"commodity"`
	Variety     string `json:"variety"`
	ArrivalDate string `json:"arrival_date"`
	MinPrice    Price  `json:"min_price"`
	MaxPrice    Price  `json:"max_price"`
	ModalPrice  Price  `json:"modal_price"`
}

// Price accepts both the string and the numeric form the API returns.
type Price string

func (p *Price) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Price(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid price %s: %w", b, err)
	}
	*p = Price(n.String())
	return nil
}

type response struct {
	Total   int      `json:"total"`
	Records []Record `json:"records"`
}

// Latest returns the most recent record for commodity in market, or nil when the
// dataset has none.
func (c *Client) Latest(ctx context.Context, commodity, market string) (*Record, error) {
	params := url.Values{}
	params.Set("api-key", c.apiKey)
	params.Set("format", "json")
	params.Set("filters", fmt.Sprintf("commodity:%s|market:%s", commodity, market))
	params.Set("limit", "1")
	params.Set("sort", "arrival_date desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agmarknet returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode market price: %w", err)
	}
	if len(out.Records) == 0 {
		return nil, nil
	}
	return &out.Records[0], nil
}

// LatestPrice formats the latest modal price as a one-line answer.
func (c *Client) LatestPrice(ctx context.Context, commodity, market string) (string, error) {
	rec, err := c.Latest(ctx, commodity, market)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return fmt.Sprintf("No data available for %s price in %s today.", commodity, market), nil
	}
	return fmt.Sprintf("%s price in %s on %s: ₹%s per quintal.", commodity, market, rec.ArrivalDate, rec.ModalPrice), nil
}
