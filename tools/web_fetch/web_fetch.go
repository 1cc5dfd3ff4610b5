package web_fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	fetchdp "github.com/mohammad-safakhou/deepscout/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/deepscout/tools/web_fetch/models"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout     = 30 * time.Second
	MaxCharsDefault    = 20000
	DefaultMaxInFlight = 6
)

// WebFetcher returns cleaned page text for a URL or fails.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
)

var ErrUnsupportedFetcher = errors.New("unsupported fetcher type")

func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}

	switch fetcherType {
	case ChromedpFetcherType:
		return &fetchdp.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}

// BatchOptions controls FetchAll behaviour.
type BatchOptions struct {
	MaxInFlight int // simultaneous fetches, defaults to 6
	Retries     int // extra attempts per URL after the first
}

// FetchAll fetches every URL with bounded concurrency and per-URL retry.
// Individual failures are tolerated; the returned slice holds results in the
// same order as urls, with failed entries left non-OK. All fetches settle
// before FetchAll returns.
func FetchAll(ctx context.Context, f WebFetcher, urls []string, opts BatchOptions) []models.Result {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	results := make([]models.Result, len(urls))
	sem := semaphore.NewWeighted(int64(opts.MaxInFlight))
	var wg sync.WaitGroup

	for i, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = models.Result{URL: u, Status: 599}
			continue
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = fetchWithRetry(ctx, f, u, opts.Retries)
		}(i, u)
	}

	wg.Wait()
	return results
}

func fetchWithRetry(ctx context.Context, f WebFetcher, url string, retries int) models.Result {
	var res models.Result
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return models.Result{URL: url, Status: 599}
		}
		r, err := f.Exec(ctx, url)
		if err == nil && r.OK() {
			return r
		}
		if err != nil {
			res = models.Result{URL: url, Status: 599}
		} else {
			res = r
		}
		if attempt < retries {
			time.Sleep(backoff(attempt))
		}
	}
	return res
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}
