package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
)

type Payload struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

// Registry looks up the webhooks that want an event.
type Registry interface {
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error)
}

type Config struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	QueueSize    int
}

// Sender delivers scheduler events to registered endpoints from a single
// goroutine, so each endpoint sees events in the order they happened.
type Sender struct {
	registry   Registry
	httpClient *http.Client
	queue      chan core.Event
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	log        *slog.Logger
}

func NewSender(registry Registry, cfg Config) *Sender {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = time.Second
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = cfg.RetryWaitMin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.Logger = nil

	return &Sender{
		registry:   registry,
		httpClient: retryClient.StandardClient(),
		queue:      make(chan core.Event, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		log:        slog.Default().With("component", "webhook"),
	}
}

func (s *Sender) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop abandons undelivered events.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Notify implements core.Notifier. It never blocks.
func (s *Sender) Notify(ev core.Event) {
	select {
	case s.queue <- ev:
	default:
		s.log.Warn("queue full, dropping event", "event", ev.Kind)
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.queue:
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Sender) dispatch(ctx context.Context, ev core.Event) {
	hooks, err := s.registry.ListActiveWebhooksForEvent(ctx, string(ev.Kind))
	if err != nil {
		s.log.Warn("failed to get webhooks", "event", ev.Kind, "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to encode event", "event", ev.Kind, "error", err)
		return
	}
	for _, w := range hooks {
		if err := s.send(ctx, w, string(ev.Kind), ev.Time, data); err != nil {
			s.log.Warn("delivery failed", "webhook", w.ID, "event", ev.Kind, "error", err)
		}
	}
}

func (s *Sender) send(ctx context.Context, w *db.Webhook, event string, at time.Time, data []byte) error {
	payload := Payload{
		Event:     event,
		Timestamp: at,
		Data:      data,
	}
	if w.Secret != "" {
		payload.Signature = Sign(data, w.Secret)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	if payload.Signature != "" {
		req.Header.Set("X-Webhook-Signature", payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}
	return nil
}

// Test delivers a synthetic "test" event to w and waits for the result.
func (s *Sender) Test(ctx context.Context, w *db.Webhook) error {
	now := time.Now()
	data, err := json.Marshal(map[string]any{
		"test":       true,
		"message":    "test event from tsfarm",
		"webhook_id": w.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal test data: %w", err)
	}
	return s.send(ctx, w, "test", now, data)
}

// Sign returns the hex HMAC-SHA256 of data keyed by secret.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

var _ core.Notifier = (*Sender)(nil)
