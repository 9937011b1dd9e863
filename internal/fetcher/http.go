package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"oracle-reconciler/internal/model"
)

// HTTPOptions parameterise a protocol price API feed.
type HTTPOptions struct {
	// URL may contain {symbol} and {chain} placeholders.
	URL string
	// PricePath is a dot separated path to the price in the JSON body, e.g. "data.price".
	PricePath string
	// TimestampPath optionally points at a unix-seconds or RFC3339 timestamp.
	TimestampPath string
	Headers       map[string]string
	Timeout       time.Duration
	UserAgent     string
	// RatePerSecond limits outgoing requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
	Confidence    float64
}

// HTTP fetches prices from a JSON API.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewHTTP constructs an HTTP feed.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Confidence <= 0 {
		opts.Confidence = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "http_feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		now:     time.Now,
	}
}

// FetchLatest requests the configured URL and extracts the price.
func (h *HTTP) FetchLatest(ctx context.Context, protocol, chain, symbol string) (model.Observation, error) {
	if strings.TrimSpace(h.opts.URL) == "" {
		return model.Observation{}, errors.New("feed url not configured")
	}
	if strings.TrimSpace(h.opts.PricePath) == "" {
		return model.Observation{}, errors.New("feed price path not configured")
	}
	symbol = strings.ToUpper(symbol)

	if err := h.limiter.Wait(ctx); err != nil {
		return model.Observation{}, err
	}

	endpoint := strings.NewReplacer("{symbol}", symbol, "{chain}", chain).Replace(h.opts.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Observation{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oraclewatch/1.0")
	}
	for k, v := range h.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return model.Observation{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Observation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.Observation{}, parseHTTPError(protocol, resp.StatusCode, payload)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return model.Observation{}, fmt.Errorf("decode %s response: %w", protocol, err)
	}

	rawPrice, err := lookup(body, h.opts.PricePath)
	if err != nil {
		return model.Observation{}, err
	}
	price, err := decimal.NewFromString(rawPrice)
	if err != nil {
		return model.Observation{}, fmt.Errorf("parse price %q: %w", rawPrice, err)
	}
	if !price.IsPositive() {
		return model.Observation{}, fmt.Errorf("non-positive price %s for %s", price, symbol)
	}

	ts := h.now().UTC()
	if h.opts.TimestampPath != "" {
		raw, err := lookup(body, h.opts.TimestampPath)
		if err != nil {
			return model.Observation{}, err
		}
		if ts, err = parseTimestamp(raw); err != nil {
			return model.Observation{}, err
		}
	}

	return model.Observation{
		Protocol:   protocol,
		Chain:      chain,
		Symbol:     symbol,
		Price:      price,
		RawPrice:   rawPrice,
		Timestamp:  ts,
		Confidence: h.opts.Confidence,
	}, nil
}

// lookup walks a dot separated path through decoded JSON and returns the leaf as text.
// Numeric segments index into arrays.
func lookup(body any, path string) (string, error) {
	cur := body
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return "", fmt.Errorf("path %q: missing key %q", path, key)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", fmt.Errorf("path %q: bad index %q", path, key)
			}
			cur = node[idx]
		default:
			return "", fmt.Errorf("path %q: cannot descend into %T", path, cur)
		}
	}
	switch v := cur.(type) {
	case json.Number:
		return v.String(), nil
	case string:
		return strings.TrimSpace(v), nil
	default:
		return "", fmt.Errorf("path %q: unexpected leaf %T", path, cur)
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		// millisecond timestamps
		if secs > 1e12 {
			secs /= 1000
		}
		return time.Unix(int64(secs), 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(protocol string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", protocol, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s api error (%d): %s", protocol, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", protocol, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", protocol, status)
}

var _ ObservationFetcher = (*HTTP)(nil)
