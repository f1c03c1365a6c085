package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Delivery is a verified webhook ready for processing.
type Delivery struct {
	Provider   string
	DeliveryID string
	Payload    map[string]any
	Body       []byte
	ReceivedAt time.Time
}

// Processor handles verified deliveries for one provider.
type Processor interface {
	Process(ctx context.Context, d *Delivery) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, d *Delivery) error

func (f ProcessorFunc) Process(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// Dispatcher routes deliveries to the processor registered for their
// provider. Deliveries without one are logged and acknowledged.
type Dispatcher struct {
	logger *slog.Logger

	mu         sync.RWMutex
	processors map[string]Processor
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, processors: make(map[string]Processor)}
}

// Register sets the processor for providerName, replacing any previous one.
func (d *Dispatcher) Register(providerName string, p Processor) {
	d.mu.Lock()
	d.processors[providerName] = p
	d.mu.Unlock()
}

// Dispatch hands delivery to its processor.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery *Delivery) error {
	d.mu.RLock()
	p, ok := d.processors[delivery.Provider]
	d.mu.RUnlock()

	if !ok {
		d.logger.Info("webhook received",
			"provider", delivery.Provider,
			"delivery_id", delivery.DeliveryID,
			"bytes", len(delivery.Body),
		)
		return nil
	}
	return p.Process(ctx, delivery)
}
