// Package oracle forwards pending decryption requests to the external
// decryption oracle and feeds synchronous answers back into the resolver.
package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/metrics"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/resolver"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

const (
	dispatchTimeout = 30 * time.Second
	retryInterval   = 2 * time.Minute
)

// Dispatcher polls for pending requests and submits each to the oracle
// endpoint. An oracle that answers inline is resolved immediately; one that
// accepts for asynchronous processing answers later through the callback
// endpoint. Failed dispatches are retried with a per-request backoff.
type Dispatcher struct {
	requests storage.RequestStore
	resolver *resolver.Service
	endpoint string
	apiKey   string
	interval time.Duration
	client   *http.Client
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	nextAttempt map[int64]time.Time
}

// NewDispatcher creates a dispatcher for the given oracle endpoint. apiKey is
// sent as a bearer token and doubles as the resolver identity for inline
// answers.
func NewDispatcher(requests storage.RequestStore, res *resolver.Service, endpoint, apiKey string, interval time.Duration, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("oracle")
	}
	return &Dispatcher{
		requests:    requests,
		resolver:    res,
		endpoint:    endpoint,
		apiKey:      apiKey,
		interval:    interval,
		client:      &http.Client{Timeout: dispatchTimeout},
		metrics:     m,
		log:         log,
		nextAttempt: make(map[int64]time.Time),
	}
}

// Name implements system.Service.
func (d *Dispatcher) Name() string { return "oracle-dispatcher" }

// Start implements system.Service.
func (d *Dispatcher) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	if d.endpoint == "" {
		return fmt.Errorf("oracle endpoint is not configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	d.wg.Add(1)
	go d.loop(ctx)

	d.log.WithField("endpoint", d.endpoint).Info("oracle dispatcher started")
	return nil
}

// Stop implements system.Service.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	d.running = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchPending(ctx)
		}
	}
}

func (d *Dispatcher) dispatchPending(ctx context.Context) {
	pending, err := d.requests.ListPendingRequests(ctx)
	if err != nil {
		d.log.WithError(err).Error("failed to list pending requests")
		return
	}

	now := time.Now()
	d.mu.Lock()
	due := make([]request.Request, 0, len(pending))
	live := make(map[int64]time.Time, len(pending))
	for _, req := range pending {
		next := d.nextAttempt[req.ID]
		live[req.ID] = next
		if now.Before(next) {
			continue
		}
		due = append(due, req)
	}
	// Resolved requests fall out of the retry table here.
	d.nextAttempt = live
	d.mu.Unlock()

	for _, req := range due {
		if err := d.dispatch(ctx, req); err != nil {
			d.log.WithError(err).WithField("request_id", req.ID).Warn("oracle dispatch failed")
			if d.metrics != nil {
				d.metrics.OracleDispatches.WithLabelValues("error").Inc()
			}
			d.scheduleRetry(req.ID, retryInterval)
			continue
		}
		if d.metrics != nil {
			d.metrics.OracleDispatches.WithLabelValues("ok").Inc()
		}
		d.scheduleRetry(req.ID, retryInterval)
	}
}

func (d *Dispatcher) scheduleRetry(id int64, delay time.Duration) {
	d.mu.Lock()
	d.nextAttempt[id] = time.Now().Add(delay)
	d.mu.Unlock()
}

// dispatch submits one request. A 200 answer carries the result inline and is
// resolved on the spot; a 202 means the oracle will call back later.
func (d *Dispatcher) dispatch(ctx context.Context, req request.Request) error {
	body, err := json.Marshal(map[string]interface{}{
		"request_id": req.ID,
		"ciphertext": base64.StdEncoding.EncodeToString(req.Ciphertext),
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusOK:
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		return d.resolveInline(ctx, req.ID, payload)
	default:
		return fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) resolveInline(ctx context.Context, id int64, payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("oracle returned invalid JSON")
	}
	doc := gjson.ParseBytes(payload)
	success := doc.Get("success").Bool()

	var plaintext []byte
	if raw := doc.Get("plaintext").String(); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("decoding oracle plaintext: %w", err)
		}
		plaintext = decoded
	}

	if _, err := d.resolver.Resolve(ctx, d.apiKey, id, plaintext, success); err != nil {
		if errors.Is(err, storage.ErrAlreadyResolved) {
			return nil
		}
		return err
	}
	return nil
}
