// Package worker provides async quote processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cowork-market/tariff/internal/domain"
	"github.com/cowork-market/tariff/internal/quoting"
)

// EventObserver is notified of every consumed message.
type EventObserver interface {
	ObserveEvent(topic string, err error)
}

// Worker prices quote requests from the EventBus and keeps the engine in
// sync with rule changes made by other instances.
type Worker struct {
	bus      domain.EventBus
	service  *quoting.Service
	observer EventObserver

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants whose quote requests are processed.
	// Rule changes of the global tenant are always followed.
	TenantIDs []string
}

// NewWorker creates a new async worker. observer may be nil.
func NewWorker(bus domain.EventBus, service *quoting.Service, observer EventObserver) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		service:  service,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to rule changes of the global tenant and to quote
// requests and rule changes of every configured tenant.
func (w *Worker) Start(cfg Config) error {
	if err := w.subscribe(domain.GlobalTenantID, domain.TopicRuleChanged, w.handleRuleChanged); err != nil {
		return fmt.Errorf("failed to follow global rule changes: %w", err)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startTenantWorker subscribes to the topics of a single tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	if err := w.subscribe(tenantID, domain.TopicQuoteRequested, w.handleQuoteRequested); err != nil {
		return err
	}
	if err := w.subscribe(tenantID, domain.TopicRuleChanged, w.handleRuleChanged); err != nil {
		return err
	}

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []string{domain.TopicQuoteRequested, domain.TopicRuleChanged},
	)
	return nil
}

func (w *Worker) subscribe(tenantID, topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		err := handler(ctx, msg)
		if w.observer != nil {
			w.observer.ObserveEvent(topic, err)
		}
		return err
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// handleQuoteRequested prices a quote request. The service persists the
// quote and publishes it on TopicQuoteComputed.
func (w *Worker) handleQuoteRequested(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.QuoteRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse quote request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = msg.ID
		req.RequestID = requestID
	}

	quote, err := w.service.Handle(ctx, msg.TenantID, req)
	if err != nil {
		slog.Error("quote request failed",
			"tenant_id", msg.TenantID,
			"request_id", requestID,
			"rule_id", req.RuleID,
			"area_id", req.AreaID,
			"error", err,
		)
		return err
	}

	slog.Info("quote processed",
		"tenant_id", msg.TenantID,
		"request_id", requestID,
		"quote_id", quote.ID,
		"rule_id", quote.RuleID,
		"branch", quote.Branch,
		"available", quote.Available,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// handleRuleChanged reloads the rules of the message's tenant.
func (w *Worker) handleRuleChanged(ctx context.Context, msg *domain.Message) error {
	var ev domain.RuleChanged
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse rule change",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	n, err := w.service.ReloadRules(ctx, msg.TenantID)
	if err != nil {
		slog.Error("rule reload failed",
			"tenant_id", msg.TenantID,
			"rule_id", ev.RuleID,
			"error", err,
		)
		return err
	}

	slog.Debug("rules reloaded after change",
		"tenant_id", msg.TenantID,
		"rule_id", ev.RuleID,
		"deleted", ev.Deleted,
		"rules_loaded", n,
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
