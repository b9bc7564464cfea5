// Package dispatch posts fired jobs to the configured HTTP endpoint.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "timerd/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrConfiguration = errors.New("dispatch: endpoint not configured")

const (
	DefaultConnectTimeout = 5000 * time.Millisecond
	DefaultReadTimeout    = 10000 * time.Millisecond

	emptyBody   = "{}"
	maxErrBody  = 512
	contentType = "application/json"
)

// Config describes the outbound endpoint:
// <protocol>://<host>:<port><basepath><path>?appid=<id>
type Config struct {
	Protocol string
	Host     string
	Port     string
	BasePath string
	Path     string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// RatePerSec caps outbound calls. 0 means unlimited.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	c.Protocol = strings.TrimSpace(c.Protocol)
	if c.Protocol == "" {
		c.Protocol = "http"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	return c
}

// URL builds the target URL for id. Missing host, port or path is
// ErrConfiguration.
func (c Config) URL(id string) (string, error) {
	c = c.withDefaults()
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(c.Port) == "" {
		missing = append(missing, "port")
	}
	if strings.TrimSpace(c.Path) == "" {
		missing = append(missing, "path")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return c.Protocol + "://" + strings.TrimSpace(c.Host) + ":" + strings.TrimSpace(c.Port) +
		c.BasePath + c.Path + "?appid=" + url.QueryEscape(id), nil
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dispatch: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("dispatch: unexpected status %d: %s", e.Code, e.Body)
}

// Dispatcher is safe for concurrent use. Apply swaps the endpoint at runtime.
type Dispatcher struct {
	mu      sync.RWMutex
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter

	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	client := newClient(cfg)
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		// Burst = rate per sec, so short spikes don't block too hard.
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	d.mu.Lock()
	old := d.client
	d.cfg = cfg
	d.client = client
	d.limiter = lim
	d.mu.Unlock()

	if old != nil {
		old.CloseIdleConnections()
	}
}

func newClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
		// Never follow a redirect with a re-sent POST body.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

func (d *Dispatcher) snapshot() (Config, *http.Client, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.client, d.limiter
}

// Process posts payload for id. It matches scheduler.Processor.
func (d *Dispatcher) Process(ctx context.Context, id, payload string) error {
	cfg, client, lim := d.snapshot()
	target, err := cfg.URL(id)
	if err != nil {
		return err
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("dispatch: rate limit wait: %w", err)
		}
	}

	body := payload
	if body == "" {
		body = emptyBody
	}
	// The whole exchange, body included, is bounded by connect+read.
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.ReadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	// Only the status matters; a 2xx body is never read.
	d.log.Info("job dispatched", logx.String("id", id), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	return nil
}
