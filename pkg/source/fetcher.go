// Package source pulls entity records from the tabular store's HTTP API.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmespath/go-jmespath"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/thistle/pkg/appctx"
	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
	"github.com/Ramsey-B/thistle/pkg/retry"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// HeaderRunID tags table API requests with the run that issued them.
const HeaderRunID = "X-Run-Id"

// MaxResponseSize caps one page body (10MB).
const MaxResponseSize = 10 * 1024 * 1024

// Fetcher returns every record of entity, or only those modified after since
// in incremental mode.
type Fetcher interface {
	Fetch(ctx context.Context, entity string, mode models.RunMode, since *time.Time) ([]models.Record, error)
}

type Config struct {
	BaseURL string
	Token   string
	// RecordsPath and NextCursorPath are JMESPath expressions over each page.
	RecordsPath    string
	NextCursorPath string
	PageSize       int
	RequestTimeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type HTTPFetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  ectologger.Logger

	records *jmespath.JMESPath
	cursor  *jmespath.JMESPath
}

func NewHTTPFetcher(cfg Config, policy retry.Policy, logger ectologger.Logger) (*HTTPFetcher, error) {
	if cfg.RecordsPath == "" {
		cfg.RecordsPath = "data"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	records, err := jmespath.Compile(cfg.RecordsPath)
	if err != nil {
		return nil, fmt.Errorf("invalid records path %q: %w", cfg.RecordsPath, err)
	}
	var cursor *jmespath.JMESPath
	if cfg.NextCursorPath != "" {
		if cursor, err = jmespath.Compile(cfg.NextCursorPath); err != nil {
			return nil, fmt.Errorf("invalid cursor path %q: %w", cfg.NextCursorPath, err)
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	return &HTTPFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		policy:  policy,
		logger:  logger,
		records: records,
		cursor:  cursor,
	}, nil
}

// Fetch pages through the entity's records. Cancellation is observed between
// pages; any failure after the retry budget is a FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, entity string, mode models.RunMode, since *time.Time) ([]models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "source.HTTPFetcher.Fetch")
	defer span.End()

	log := f.logger.WithContext(ctx).WithFields(map[string]any{"entity": entity, "mode": string(mode)})

	var (
		out     []models.Record
		cursor  string
		pages   int
		attempt int
	)
	for {
		if ctx.Err() != nil {
			err := &checkerrors.FetchError{Entity: entity, Attempts: attempt, Err: context.Cause(ctx)}
			tracing.RecordError(span, err)
			return nil, err
		}

		var page []models.Record
		var next string
		err := retry.Do(ctx, f.retryPolicy(entity), func(ctx context.Context, n int) error {
			attempt = n
			var err error
			page, next, err = f.page(ctx, entity, mode, since, cursor)
			return err
		})
		if err != nil {
			fetchErr := &checkerrors.FetchError{Entity: entity, Attempts: retry.Attempts(err), Err: err}
			tracing.RecordError(span, fetchErr)
			log.WithError(err).Errorf("Failed to fetch %s after %d page(s)", entity, pages)
			return nil, fetchErr
		}

		out = append(out, page...)
		pages++
		if next == "" || next == cursor || len(page) == 0 {
			break
		}
		cursor = next
	}

	log.WithFields(map[string]any{"pages": pages, "records": len(out)}).Debug("Fetched records")
	return out, nil
}

func (f *HTTPFetcher) retryPolicy(entity string) retry.Policy {
	p := f.policy
	onRetry := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues("fetch").Inc()
		f.logger.WithFields(map[string]any{"entity": entity, "attempt": attempt, "delay": delay.String()}).
			WithError(err).Warn("Retrying table API request")
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	return p
}

func (f *HTTPFetcher) page(ctx context.Context, entity string, mode models.RunMode, since *time.Time, cursor string) ([]models.Record, string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.pageURL(entity, mode, since, cursor), nil)
	if err != nil {
		return nil, "", checkerrors.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}
	if runID := appctx.GetRunID(ctx); runID != "" {
		req.Header.Set(HeaderRunID, runID)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.FetchDuration.WithLabelValues(entity).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchPages.WithLabelValues(entity, "error").Inc()
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read response body: %w", err)
	}
	metrics.FetchPages.WithLabelValues(entity, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &checkerrors.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if len(body) > MaxResponseSize {
		return nil, "", checkerrors.Permanent(fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize))
	}

	return f.decode(entity, body)
}

func (f *HTTPFetcher) pageURL(entity string, mode models.RunMode, since *time.Time, cursor string) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(f.cfg.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if mode == models.RunModeIncremental && since != nil {
		q.Set("modified_since", since.UTC().Format(time.RFC3339))
	}
	base := strings.TrimSuffix(f.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/tables/%s/records?%s", base, url.PathEscape(entity), q.Encode())
}

// decode extracts records and the next cursor from a page. A body that does
// not parse is treated as a transient upstream fault.
func (f *HTTPFetcher) decode(entity string, body []byte) ([]models.Record, string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", fmt.Errorf("malformed page: %w", err)
	}

	raw, err := f.records.Search(doc)
	if err != nil {
		return nil, "", fmt.Errorf("evaluate records path: %w", err)
	}
	var items []any
	switch v := raw.(type) {
	case nil:
	case []any:
		items = v
	default:
		return nil, "", fmt.Errorf("records path %q yielded %T, not a list", f.cfg.RecordsPath, raw)
	}

	records := make([]models.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("record %d is %T, not an object", i, item)
		}
		rec, ok := toRecord(entity, obj)
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	var next string
	if f.cursor != nil {
		v, err := f.cursor.Search(doc)
		if err != nil {
			return nil, "", fmt.Errorf("evaluate cursor path: %w", err)
		}
		next = normalizers.ToString(v)
	}
	return records, next, nil
}

var reservedKeys = map[string]bool{"id": true, "fields": true, "links": true, "last_modified": true, "entity_type": true}

// toRecord accepts {"id", "fields", "links", "last_modified"} or a flat object
// whose non-reserved keys are the fields. Rows without an id are dropped.
func toRecord(entity string, obj map[string]any) (models.Record, bool) {
	id := strings.TrimSpace(normalizers.ToString(obj["id"]))
	if id == "" {
		return models.Record{}, false
	}

	rec := models.Record{EntityType: entity, ID: id}
	if fields, ok := obj["fields"].(map[string]any); ok {
		rec.Fields = fields
	} else {
		rec.Fields = make(map[string]any, len(obj))
		for k, v := range obj {
			if !reservedKeys[k] {
				rec.Fields[k] = v
			}
		}
	}

	if links, ok := obj["links"].(map[string]any); ok {
		rec.Links = make(map[string][]string, len(links))
		for relation, v := range links {
			rec.Links[relation] = (models.Record{Fields: map[string]any{relation: v}}).LinkIDs(relation)
		}
	}

	if ts, ok := obj["last_modified"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.LastModified = t.UTC()
		}
	}
	return rec, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
