package worker

import (
	"context"
	"log"

	"marketplace-service/internal/broker"
	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

// AuditWorker consumes domain events and records them in the processed
// events audit trail. Processing is idempotent per event ID so consumer
// group rebalances never double-count.
type AuditWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        *store.Store
	logger       *zap.Logger
}

// NewAuditWorker creates a new audit worker
func NewAuditWorker(consumer *broker.Consumer, st *store.Store) *AuditWorker {
	w := &AuditWorker{
		consumer: consumer,
		store:    st,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderCreated(w.handleOrderCreated)
	eventHandler.OnOrderStatusChanged(w.handleOrderStatusChanged)
	eventHandler.OnNegotiationAgreed(w.handleNegotiationAgreed)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *AuditWorker) Start(ctx context.Context) error {
	log.Println("Starting audit worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AuditWorker) Stop() error {
	log.Println("Stopping audit worker...")
	return w.consumer.Close()
}

func (w *AuditWorker) handleOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return w.record(ctx, event.BaseEvent, func() {
		w.logger.Info("Order recorded in audit trail",
			zap.Int64("order_id", event.OrderID),
			zap.Int64("buyer_id", event.BuyerID),
			zap.Int64("total", event.Total))
	})
}

func (w *AuditWorker) handleOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return w.record(ctx, event.BaseEvent, func() {
		w.logger.Info("Order status change recorded",
			zap.Int64("order_id", event.OrderID),
			zap.String("status", event.Status),
			zap.Int64("changed_by", event.ChangedBy))
	})
}

func (w *AuditWorker) handleNegotiationAgreed(ctx context.Context, event *models.NegotiationAgreedEvent) error {
	return w.record(ctx, event.BaseEvent, func() {
		w.logger.Info("Negotiation agreement recorded",
			zap.Int64("negotiation_id", event.NegotiationID),
			zap.Int64("order_id", event.OrderID))
	})
}

// record applies fn once per event ID
func (w *AuditWorker) record(ctx context.Context, base models.BaseEvent, fn func()) error {
	processed, err := w.store.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	fn()
	util.EventsProcessedTotal.WithLabelValues(base.EventType).Inc()

	return w.store.MarkEventProcessed(ctx, base.EventID, base.EventType)
}
