// Package poller is the client half of the media protocol: it probes future media URLs with HEAD
// requests until they resolve or the attempts run out.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts = 30
	DefaultInterval    = time.Second

	// CacheBusterParam is the query parameter that defeats intermediary caches on each probe.
	CacheBusterParam = "t"
)

var errNotReady = errors.New("media not ready")

type Option func(*Poller)

// WithBaseURL resolves relative media URLs such as "/media/audio/<id>.mp3" against base.
func WithBaseURL(base string) Option {
	return func(p *Poller) {
		p.base = base
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// Poller is stateless between calls and safe for concurrent use on independent URLs.
type Poller struct {
	client *http.Client
	base   string
	now    func() time.Time
}

func New(client *http.Client, opts ...Option) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	p := &Poller{client: client, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollUntilReady sends up to maxAttempts HEAD probes spaced by interval and reports whether one
// of them answered 2xx. Cancellation of ctx ends polling with false.
func PollUntilReady(ctx context.Context, client *http.Client, rawURL string, maxAttempts int, interval time.Duration) bool {
	return New(client).PollUntilReady(ctx, rawURL, maxAttempts, interval)
}

func (p *Poller) PollUntilReady(ctx context.Context, rawURL string, maxAttempts int, interval time.Duration) bool {
	log := logging.NewLogger(ctx)

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if interval < 0 {
		interval = 0
	}
	target, err := p.resolve(rawURL)
	if err != nil {
		log.Warnf("media_poll_invalid_url url=%q err=%v", rawURL, err)
		return false
	}

	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)),
		ctx,
	)
	err = backoff.Retry(func() error {
		attempts++
		return p.probe(ctx, target)
	}, policy)
	if err != nil {
		log.Debugf("media_poll_gave_up url=%s attempts=%d err=%v", target.String(), attempts, err)
		return false
	}
	log.Debugf("media_ready url=%s attempts=%d", target.String(), attempts)
	return true
}

func (p *Poller) probe(ctx context.Context, target *url.URL) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}

	busted := *target
	query := busted.Query()
	query.Set(CacheBusterParam, strconv.FormatInt(p.now().UnixNano(), 10))
	busted.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, busted.String(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("%w: status %d", errNotReady, resp.StatusCode)
}

func (p *Poller) resolve(rawURL string) (*url.URL, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if target.IsAbs() {
		return target, nil
	}
	if p.base == "" {
		return nil, errors.New("relative url without a base")
	}
	base, err := url.Parse(p.base)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(target), nil
}

// Readiness tracks which media of one recommendation resolved. A new result starts from zero.
type Readiness struct {
	Audio bool
	Image bool
}

// PollMedia polls the audio and image URLs concurrently. An empty URL stays not ready.
func (p *Poller) PollMedia(ctx context.Context, audioURL string, imageURL string, maxAttempts int, interval time.Duration) Readiness {
	var (
		mu    sync.Mutex
		ready Readiness
	)
	group, groupCtx := errgroup.WithContext(ctx)
	poll := func(rawURL string, mark func(*Readiness)) {
		if rawURL == "" {
			return
		}
		group.Go(func() error {
			if p.PollUntilReady(groupCtx, rawURL, maxAttempts, interval) {
				mu.Lock()
				mark(&ready)
				mu.Unlock()
			}
			return nil
		})
	}
	poll(audioURL, func(r *Readiness) { r.Audio = true })
	poll(imageURL, func(r *Readiness) { r.Image = true })
	_ = group.Wait()
	return ready
}
