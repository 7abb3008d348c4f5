// Package webhook delivers bus events to registered HTTP endpoints with
// HMAC-signed payloads and bounded exponential retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/store"
)

// Signature and metadata headers attached to every delivery.
const (
	HeaderEvent     = "X-Woly-Event"
	HeaderAttempt   = "X-Woly-Delivery-Attempt"
	HeaderSignature = "X-Woly-Signature"
)

// Delivery statuses recorded in the log.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"
)

const requestTimeout = 10 * time.Second

// Dispatcher fans bus events out to registered webhooks. Deliveries run
// on their own goroutines so the bus is never blocked by a slow
// endpoint.
type Dispatcher struct {
	log    zerolog.Logger
	cfg    *config.Config
	store  *store.Store
	client *http.Client

	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher and attaches it to the bus.
func New(log zerolog.Logger, cfg *config.Config, st *store.Store, b *bus.Bus) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		log:    log.With().Str("component", "webhook").Logger(),
		cfg:    cfg,
		store:  st,
		client: cleanhttp.DefaultPooledClient(),
		ctx:    ctx,
		cancel: cancel,
	}
	d.client.Timeout = requestTimeout
	d.unsubscribe = b.Subscribe(bus.SubscriberFunc(d.onEvent))
	return d
}

func (d *Dispatcher) onEvent(e bus.Event) {
	hooks, err := d.store.ListWebhooks()
	if err != nil {
		d.log.Error().Err(err).Msg("failed to list webhooks")
		return
	}

	var body []byte
	for _, hook := range hooks {
		if !hook.SubscribedTo(e.Type) {
			continue
		}
		if body == nil {
			body, err = e.MarshalStream()
			if err != nil {
				d.log.Error().Err(err).Str("event", e.Type).Msg("event serialization failed")
				return
			}
		}
		d.wg.Add(1)
		go func(hook *store.Webhook) {
			defer d.wg.Done()
			d.deliver(hook, e.Type, body)
		}(hook)
	}
}

// deliver posts the event to one webhook, retrying with exponential
// backoff up to the configured attempt cap. Every attempt is recorded.
func (d *Dispatcher) deliver(hook *store.Webhook, eventType string, body []byte) {
	log := d.log.With().Str("webhook", hook.ID).Str("event", eventType).Logger()

	// A misconfigured cap below 1 would otherwise wrap the retry count.
	maxAttempts := d.cfg.WebhookMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1)),
		d.ctx)

	op := func() error {
		attempt++
		status, err := d.post(hook, eventType, attempt, body)

		rec := &store.WebhookDelivery{
			WebhookID:   hook.ID,
			EventType:   eventType,
			Attempt:     attempt,
			RequestedAt: time.Now(),
		}
		if status != 0 {
			s := status
			rec.ResponseStatus = &s
		}
		switch {
		case err == nil:
			rec.Status = StatusDelivered
		case attempt < maxAttempts:
			rec.Status = StatusRetrying
		default:
			rec.Status = StatusFailed
		}
		if rerr := d.store.AppendDelivery(rec); rerr != nil {
			log.Error().Err(rerr).Msg("failed to record delivery attempt")
		}
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		log.Warn().Err(err).Int("attempts", attempt).Msg("webhook delivery failed")
		return
	}
	log.Debug().Int("attempts", attempt).Msg("webhook delivered")
}

func (d *Dispatcher) post(hook *store.Webhook, eventType string, attempt int, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(d.ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if hook.Secret != nil {
		req.Header.Set(HeaderSignature, Sign(*hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
}

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Shutdown detaches from the bus, cancels pending deliveries, and waits
// for in-flight goroutines.
func (d *Dispatcher) Shutdown() {
	d.unsubscribe()
	d.cancel()
	d.wg.Wait()
}
