package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const DefaultNewsAPIURL = "https://newsapi.org"

type Headline struct {
	Title  string
	Source string
}

// NewsAPI queries the NewsAPI top-headlines endpoint.
type NewsAPI struct {
	BaseURL string
	APIKey  string
	Country string
	HTTP    *http.Client
}

func NewNewsAPI(baseURL, apiKey string, hc *http.Client) *NewsAPI {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultNewsAPIURL
	}
	return &NewsAPI{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, Country: "us", HTTP: orDefault(hc)}
}

type newsResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Articles []struct {
		Title  string `json:"title"`
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (c *NewsAPI) TopHeadlines(ctx context.Context, category string, count int) ([]Headline, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, fmt.Errorf("%w: news api key", ErrNotConfigured)
	}
	if strings.TrimSpace(category) == "" {
		category = "general"
	}
	if count <= 0 {
		count = 5
	}
	q := url.Values{}
	q.Set("country", c.Country)
	q.Set("category", category)
	q.Set("pageSize", strconv.Itoa(count))
	q.Set("apiKey", c.APIKey)

	var r newsResponse
	if err := getJSON(ctx, c.HTTP, c.BaseURL+"/v2/top-headlines?"+q.Encode(), &r); err != nil {
		return nil, fmt.Errorf("newsapi: %w", err)
	}
	if r.Status == "error" {
		return nil, fmt.Errorf("newsapi: %s", r.Message)
	}
	out := make([]Headline, 0, len(r.Articles))
	for _, a := range r.Articles {
		title := strings.TrimSpace(a.Title)
		if title == "" {
			continue
		}
		out = append(out, Headline{Title: title, Source: a.Source.Name})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("newsapi: %w", ErrEmpty)
	}
	return out, nil
}
