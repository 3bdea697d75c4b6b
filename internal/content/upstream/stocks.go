package upstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
)

const DefaultYahooURL = "https://query1.finance.yahoo.com"

// Quote is the latest price of one symbol.
type Quote struct {
	Symbol        string
	Price         float64
	Change        float64
	ChangePercent float64
}

// Yahoo reads quotes from the Yahoo Finance chart API.
type Yahoo struct {
	BaseURL string
	HTTP    *http.Client
}

func NewYahoo(baseURL string, hc *http.Client) *Yahoo {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultYahooURL
	}
	return &Yahoo{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: orDefault(hc)}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
				PreviousClose      float64 `json:"previousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote fetches a single symbol.
func (c *Yahoo) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Quote{}, errors.New("yahoo: empty symbol")
	}
	q := url.Values{}
	q.Set("range", "1d")
	q.Set("interval", "1d")

	var r chartResponse
	if err := getJSON(ctx, c.HTTP, c.BaseURL+"/v8/finance/chart/"+url.PathEscape(symbol)+"?"+q.Encode(), &r); err != nil {
		return Quote{}, fmt.Errorf("yahoo %s: %w", symbol, err)
	}
	if r.Chart.Error != nil {
		return Quote{}, fmt.Errorf("yahoo %s: %s", symbol, r.Chart.Error.Description)
	}
	if len(r.Chart.Result) == 0 {
		return Quote{}, fmt.Errorf("yahoo %s: %w", symbol, ErrEmpty)
	}
	m := r.Chart.Result[0].Meta
	prev := m.PreviousClose
	if prev == 0 {
		prev = m.ChartPreviousClose
	}
	if prev == 0 {
		prev = m.RegularMarketPrice
	}
	change := m.RegularMarketPrice - prev
	var pct float64
	if prev != 0 {
		pct = change / prev * 100
	}
	return Quote{
		Symbol:        symbol,
		Price:         round2(m.RegularMarketPrice),
		Change:        round2(change),
		ChangePercent: round2(pct),
	}, nil
}

// Quotes fetches symbols in order, skipping the ones that fail.
// It errors only when no symbol could be fetched.
func (c *Yahoo) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	out := make([]Quote, 0, len(symbols))
	var errs []error
	for _, s := range symbols {
		q, err := c.Quote(ctx, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("yahoo: %w", ErrEmpty)
		}
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
