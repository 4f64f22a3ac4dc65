package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultOpeningMessage seeds a thread opened without a message
const defaultOpeningMessage = "Hello, I am interested in this product. Can we discuss the price?"

// NegotiationService enforces the negotiation state machine and hands
// confirmed agreements to order assembly
type NegotiationService struct {
	store          Store
	cache          Cache
	eventPublisher EventPublisher
	orders         *OrderService
	logger         *zap.Logger
}

// NewNegotiationService creates a new negotiation service
func NewNegotiationService(store Store, cache Cache, eventPublisher EventPublisher, orders *OrderService) *NegotiationService {
	return &NegotiationService{
		store:          store,
		cache:          cache,
		eventPublisher: eventPublisher,
		orders:         orders,
		logger:         util.GetLogger(),
	}
}

// OpenNegotiationRequest represents a buyer opening a thread
type OpenNegotiationRequest struct {
	ProductID int64  `json:"product_id" binding:"required"`
	Message   string `json:"message"`
}

// Open creates an ongoing negotiation with a seed message. The producer
// is resolved from the product's owner, never supplied by the caller.
// At most one ongoing thread may exist per (product, buyer).
func (s *NegotiationService) Open(ctx context.Context, buyerID int64, req *OpenNegotiationRequest) (*models.NegotiationDetail, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.Open")
	defer span.End()

	product, err := s.store.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, &NotFoundError{Resource: "product", IDs: []int64{req.ProductID}}
	}

	// Short-lived guard closing the check-then-insert window between
	// two concurrent opens; the store's partial unique index is the
	// backstop when Redis is unavailable.
	acquired, err := s.cache.AcquireOpenGuard(ctx, req.ProductID, buyerID)
	if err != nil {
		s.logger.Warn("Open guard unavailable, relying on store constraint", zap.Error(err))
	} else if !acquired {
		return nil, &ConflictError{Reason: "a negotiation for this product is already being opened"}
	} else {
		defer func() {
			if err := s.cache.ReleaseOpenGuard(ctx, req.ProductID, buyerID); err != nil {
				s.logger.Warn("Failed to release open guard", zap.Error(err))
			}
		}()
	}

	existing, err := s.store.FindOngoingNegotiation(ctx, req.ProductID, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check ongoing negotiation: %w", err)
	}
	if existing != nil {
		return nil, &ConflictError{Reason: "an ongoing negotiation already exists for this product"}
	}

	negotiation := &models.Negotiation{
		ProductID:  req.ProductID,
		BuyerID:    buyerID,
		ProducerID: product.ProducerID,
		Status:     models.NegotiationStatusOngoing,
	}
	if err := s.store.CreateNegotiation(ctx, negotiation); err != nil {
		// The partial unique index catches opens racing past the guard
		// and the ongoing check.
		if errors.Is(err, store.ErrDuplicateNegotiation) {
			return nil, &ConflictError{Reason: "an ongoing negotiation already exists for this product"}
		}
		return nil, fmt.Errorf("failed to create negotiation: %w", err)
	}

	body := req.Message
	if body == "" {
		body = defaultOpeningMessage
	}
	message := &models.Message{
		NegotiationID: negotiation.ID,
		SenderID:      buyerID,
		Body:          body,
	}
	if err := s.store.AppendNegotiationMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to append seed message: %w", err)
	}

	util.NegotiationsOpenedTotal.Inc()
	s.logger.Info("Negotiation opened",
		zap.Int64("negotiation_id", negotiation.ID),
		zap.Int64("product_id", req.ProductID),
		zap.Int64("buyer_id", buyerID))

	event := &models.NegotiationOpenedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeNegotiationOpened),
		NegotiationID: negotiation.ID,
		ProductID:     negotiation.ProductID,
		BuyerID:       negotiation.BuyerID,
		ProducerID:    negotiation.ProducerID,
	}
	if err := s.eventPublisher.PublishNegotiationOpened(ctx, event); err != nil {
		s.logger.Error("Failed to publish NegotiationOpened event", zap.Error(err))
	}

	return &models.NegotiationDetail{
		Negotiation: *negotiation,
		Messages:    []models.Message{*message},
	}, nil
}

// ListForCaller returns the caller's negotiations with their threads:
// producers see threads on their products, admins see everything,
// everyone else sees the threads they opened
func (s *NegotiationService) ListForCaller(ctx context.Context, callerID int64, callerRole string) ([]models.NegotiationDetail, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.ListForCaller")
	defer span.End()

	var negotiations []models.Negotiation
	var err error
	switch callerRole {
	case models.RoleAdmin:
		negotiations, err = s.store.ListNegotiations(ctx)
	case models.RoleProducer:
		negotiations, err = s.store.ListNegotiationsByProducer(ctx, callerID)
	default:
		negotiations, err = s.store.ListNegotiationsByBuyer(ctx, callerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list negotiations: %w", err)
	}

	ids := make([]int64, len(negotiations))
	for i, n := range negotiations {
		ids[i] = n.ID
	}
	messagesByID, err := s.store.GetMessagesForNegotiations(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load negotiation messages: %w", err)
	}

	out := make([]models.NegotiationDetail, 0, len(negotiations))
	for _, n := range negotiations {
		out = append(out, models.NegotiationDetail{
			Negotiation: n,
			Messages:    messagesByID[n.ID],
		})
	}
	return out, nil
}

// AppendMessage appends a message with a server-assigned timestamp.
// Only the two participants may post, and only while the thread is
// ongoing; agreed and cancelled threads are closed to further messages.
func (s *NegotiationService) AppendMessage(ctx context.Context, callerID, negotiationID int64, body string) (*models.NegotiationDetail, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.AppendMessage")
	defer span.End()

	if body == "" {
		return nil, &InvalidInputError{Reason: "message body must not be empty"}
	}

	negotiation, err := s.store.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load negotiation: %w", err)
	}
	if negotiation == nil {
		return nil, &NotFoundError{Resource: "negotiation", IDs: []int64{negotiationID}}
	}

	facts := negotiationFacts(negotiation, callerID)
	if !CanAppendMessage(facts) {
		return nil, &ForbiddenError{Reason: "not a participant in this negotiation"}
	}
	if negotiation.Status != models.NegotiationStatusOngoing {
		return nil, &ConflictError{Reason: fmt.Sprintf("negotiation is %s", negotiation.Status)}
	}

	message := &models.Message{
		NegotiationID: negotiationID,
		SenderID:      callerID,
		Body:          body,
	}
	if err := s.store.AppendNegotiationMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	util.NegotiationMessagesTotal.Inc()

	return s.detail(ctx, negotiation)
}

// ConfirmRequest carries the producer's agreed terms
type ConfirmRequest struct {
	AgreedPrice    int64 `json:"agreed_price"`
	AgreedQuantity int   `json:"agreed_quantity" binding:"required,min=1"`
}

// ConfirmResult is the negotiation and the order it produced
type ConfirmResult struct {
	Negotiation *models.NegotiationDetail `json:"negotiation"`
	Order       *models.OrderDetail       `json:"order"`
}

// Confirm is the producer-only transition ongoing → agreed. The agreed
// terms and the resulting order commit as one transaction: a failed
// order leaves the negotiation ongoing with no agreed terms set.
func (s *NegotiationService) Confirm(ctx context.Context, callerID, negotiationID int64, req *ConfirmRequest) (*ConfirmResult, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.Confirm")
	defer span.End()

	negotiation, err := s.store.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load negotiation: %w", err)
	}
	if negotiation == nil {
		return nil, &NotFoundError{Resource: "negotiation", IDs: []int64{negotiationID}}
	}

	if !CanConfirmNegotiation(negotiationFacts(negotiation, callerID)) {
		return nil, &ForbiddenError{Reason: "only the producer may confirm a negotiation"}
	}
	if negotiation.Status == models.NegotiationStatusAgreed {
		return nil, &ConflictError{Reason: "negotiation already agreed"}
	}
	if negotiation.Status == models.NegotiationStatusCancelled {
		return nil, &ConflictError{Reason: "negotiation is cancelled"}
	}
	if req.AgreedPrice < 0 {
		return nil, &InvalidInputError{Reason: "agreed price must not be negative"}
	}
	if req.AgreedQuantity < 1 {
		return nil, &InvalidInputError{Reason: "agreed quantity must be at least 1"}
	}

	product, err := s.store.GetProductByID(ctx, negotiation.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, &NotFoundError{Resource: "product", IDs: []int64{negotiation.ProductID}}
	}

	agreement := &store.NegotiationAgreement{
		NegotiationID:  negotiation.ID,
		AgreedPrice:    req.AgreedPrice,
		AgreedQuantity: req.AgreedQuantity,
	}

	orderDetail, err := s.orders.createNegotiatedOrder(ctx, negotiation.BuyerID, product,
		req.AgreedPrice, req.AgreedQuantity, agreement)
	if err != nil {
		// The whole commit rolled back; the negotiation is untouched.
		return nil, err
	}

	util.NegotiationsAgreedTotal.Inc()
	s.logger.Info("Negotiation agreed",
		zap.Int64("negotiation_id", negotiation.ID),
		zap.Int64("order_id", orderDetail.ID),
		zap.Int64("agreed_price", req.AgreedPrice),
		zap.Int("agreed_quantity", req.AgreedQuantity))

	event := &models.NegotiationAgreedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeNegotiationAgreed),
		NegotiationID:  negotiation.ID,
		OrderID:        orderDetail.ID,
		AgreedPrice:    req.AgreedPrice,
		AgreedQuantity: req.AgreedQuantity,
	}
	if err := s.eventPublisher.PublishNegotiationAgreed(ctx, event); err != nil {
		s.logger.Error("Failed to publish NegotiationAgreed event", zap.Error(err))
	}

	negotiation.Status = models.NegotiationStatusAgreed
	negotiation.AgreedPrice = &req.AgreedPrice
	quantity := req.AgreedQuantity
	negotiation.AgreedQuantity = &quantity

	negotiationDetail, err := s.detail(ctx, negotiation)
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{Negotiation: negotiationDetail, Order: orderDetail}, nil
}

// Cancel is the ongoing → cancelled transition, open to either
// participant. Terminal states stay terminal.
func (s *NegotiationService) Cancel(ctx context.Context, callerID, negotiationID int64) (*models.NegotiationDetail, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.Cancel")
	defer span.End()

	negotiation, err := s.store.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load negotiation: %w", err)
	}
	if negotiation == nil {
		return nil, &NotFoundError{Resource: "negotiation", IDs: []int64{negotiationID}}
	}

	if !CanCancelNegotiation(negotiationFacts(negotiation, callerID)) {
		return nil, &ForbiddenError{Reason: "not a participant in this negotiation"}
	}
	if negotiation.Status != models.NegotiationStatusOngoing {
		return nil, &ConflictError{Reason: fmt.Sprintf("negotiation is %s", negotiation.Status)}
	}

	cancelled, err := s.store.CancelNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel negotiation: %w", err)
	}
	if !cancelled {
		return nil, &ConflictError{Reason: "negotiation is no longer ongoing"}
	}

	util.NegotiationsCancelledTotal.Inc()
	s.logger.Info("Negotiation cancelled",
		zap.Int64("negotiation_id", negotiationID),
		zap.Int64("cancelled_by", callerID))

	event := &models.NegotiationCancelledEvent{
		BaseEvent:     newBaseEvent(models.EventTypeNegotiationCancelled),
		NegotiationID: negotiationID,
		CancelledBy:   callerID,
	}
	if err := s.eventPublisher.PublishNegotiationCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish NegotiationCancelled event", zap.Error(err))
	}

	negotiation.Status = models.NegotiationStatusCancelled
	return s.detail(ctx, negotiation)
}

func (s *NegotiationService) detail(ctx context.Context, negotiation *models.Negotiation) (*models.NegotiationDetail, error) {
	messages, err := s.store.GetNegotiationMessages(ctx, negotiation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return &models.NegotiationDetail{Negotiation: *negotiation, Messages: messages}, nil
}

func negotiationFacts(n *models.Negotiation, callerID int64) NegotiationFacts {
	return NegotiationFacts{
		IsBuyer:    n.BuyerID == callerID,
		IsProducer: n.ProducerID == callerID,
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
