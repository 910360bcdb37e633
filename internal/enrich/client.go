// Package enrich queries the external inventory API for a (code, zone) pair.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/SirClappington/stockq/internal/domain"
)

// ErrMissingSections is returned when the response lacks stores or itemDetails.
var ErrMissingSections = errors.New("response missing stores or itemDetails")

const maxBody = 8 << 20

type Store struct {
	ID         StoreID         `json:"id"`
	Address    string          `json:"address"`
	City       string          `json:"city"`
	State      string          `json:"state"`
	Zip        string          `json:"zip"`
	StoreURL   string          `json:"storeUrl"`
	Price      float64         `json:"price"`
	SalesFloor int             `json:"salesFloor"`
	BackRoom   int             `json:"backRoom"`
	Aisles     json.RawMessage `json:"aisles"`
}

// AislesText returns the aisle data as stored text: the bare string when the
// API sends a string, the raw JSON otherwise, "" when absent.
func (s Store) AislesText() string {
	raw := bytes.TrimSpace(s.Aisles)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

type ItemDetails struct {
	Name     string   `json:"name"`
	MSRP     *float64 `json:"msrp"`
	ImageURL string   `json:"imageUrl"`
	URL      string   `json:"url"`
}

type Result struct {
	Stores      []Store      `json:"stores"`
	ItemDetails *ItemDetails `json:"itemDetails"`
}

// StoreID accepts both numeric and quoted store ids.
type StoreID int64

func (id *StoreID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "store id %s", b)
	}
	*id = StoreID(n)
	return nil
}

type Options struct {
	URL     string
	Source  string
	Timeout time.Duration
	// RPS limits outgoing requests; 0 means unlimited.
	RPS float64
}

// Client posts lookups to the inventory API.
type Client struct {
	url     string
	source  string
	http    *http.Client
	limiter *rate.Limiter
}

func New(opts Options) (*Client, error) {
	u := strings.TrimSpace(opts.URL)
	if u == "" {
		return nil, errors.New("enrich URL is required")
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	return &Client{
		url:     u,
		source:  opts.Source,
		http:    &http.Client{Timeout: to},
		limiter: lim,
	}, nil
}

// Fetch looks up e. Every failure mode is returned as an error.
func (c *Client) Fetch(ctx context.Context, e domain.Entry) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"storeName": c.source,
		"upc":       e.Code,
		"zip":       e.Zone,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", e)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrapf(err, "read response for %s", e)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("fetch %s: status %d: %s", e, resp.StatusCode, snippet(body))
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, errors.Wrapf(err, "decode response for %s", e)
	}
	if res.Stores == nil || res.ItemDetails == nil {
		return nil, errors.Wrapf(ErrMissingSections, "%s: %s", e, snippet(body))
	}
	return &res, nil
}

func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
