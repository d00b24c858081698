// Package webhook applies billing provider events to the credit ledger.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"go.uber.org/zap"
)

// ErrInvalidEvent reports a payload that cannot be applied.
var ErrInvalidEvent = fmt.Errorf("%w: invalid webhook event", ledger.ErrInvalidArgument)

// Ledger is the subset of *ledger.Service used by webhook processing.
type Ledger interface {
	UpsertSubscription(ctx context.Context, subscription ledger.Subscription) error
	Grant(ctx context.Context, account ledger.AccountKey, amount ledger.PositiveCredits, referenceType ledger.ReferenceType, referenceID string, idempotencyKey ledger.IdempotencyKey, description string, metadata ledger.MetadataJSON) (ledger.GrantResult, error)
}

// RefillScheduler triggers refill_monthly for an account, inline or through a queue.
type RefillScheduler interface {
	ScheduleRefill(ctx context.Context, account ledger.AccountKey) error
}

// OutcomeKind classifies what an event did.
type OutcomeKind string

const (
	OutcomeSubscription OutcomeKind = "subscription"
	OutcomePurchase     OutcomeKind = "purchase"
	OutcomeIgnored      OutcomeKind = "ignored"
)

// Outcome summarizes an applied event.
type Outcome struct {
	Kind            OutcomeKind
	Account         ledger.AccountKey
	RefillScheduled bool
	Duplicate       bool
}

// Handler applies events.
type Handler struct {
	ledger  Ledger
	refills RefillScheduler
	logger  *zap.Logger
}

// NewHandler wires a Handler. refills may be nil, in which case no refills are triggered.
func NewHandler(service Ledger, refills RefillScheduler, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: service, refills: refills, logger: logger}, nil
}

// Handle decodes and applies a raw event body.
func (handler *Handler) Handle(ctx context.Context, payload []byte) (Outcome, error) {
	event, err := ParseEvent(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return handler.Apply(ctx, event)
}

// Apply routes a decoded event. Unsupported events are acknowledged and ignored.
func (handler *Handler) Apply(ctx context.Context, event Event) (Outcome, error) {
	switch {
	case event.isSubscriptionEvent():
		return handler.applySubscription(ctx, event)
	case event.EventType == eventTransactionCompleted:
		return handler.applyPurchase(ctx, event)
	default:
		handler.logger.Info("webhook event ignored", zap.String("event_type", event.EventType), zap.String("event_id", event.EventID))
		return Outcome{Kind: OutcomeIgnored}, nil
	}
}

func (handler *Handler) applySubscription(ctx context.Context, event Event) (Outcome, error) {
	account, err := ledger.ParseAccountKey(event.Data.CustomData.UserID, event.environment())
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	subscriptionID, err := ledger.NewSubscriptionID(event.Data.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	planID, err := ledger.NewPlanID(event.priceID())
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	status, err := ledger.ParseSubscriptionStatus(event.Data.Status)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	subscription := ledger.Subscription{
		SubscriptionID: subscriptionID,
		Account:        account,
		PlanID:         planID,
		Status:         status,
	}
	if period := event.Data.CurrentBillingPeriod; period != nil {
		if !period.StartsAt.IsZero() {
			subscription.CurrentPeriodStartUnixUTC = period.StartsAt.UTC().Unix()
		}
		if !period.EndsAt.IsZero() {
			subscription.CurrentPeriodEndUnixUTC = period.EndsAt.UTC().Unix()
		}
	}
	if err := handler.ledger.UpsertSubscription(ctx, subscription); err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{Kind: OutcomeSubscription, Account: account}
	if status != ledger.SubscriptionStatusActive || handler.refills == nil {
		return outcome, nil
	}
	// Refill failures are logged and never fail the acknowledgement.
	if err := handler.refills.ScheduleRefill(ctx, account); err != nil {
		handler.logRefillFailure(event, account, err)
		return outcome, nil
	}
	outcome.RefillScheduled = true
	return outcome, nil
}

func (handler *Handler) applyPurchase(ctx context.Context, event Event) (Outcome, error) {
	customData := event.Data.CustomData
	if customData.Type != customDataTypeCreditPurchase {
		handler.logger.Info("non-credit transaction ignored", zap.String("event_id", event.EventID), zap.String("type", customData.Type))
		return Outcome{Kind: OutcomeIgnored}, nil
	}
	account, err := ledger.ParseAccountKey(customData.UserID, event.environment())
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	transactionID := strings.TrimSpace(event.Data.ID)
	if transactionID == "" {
		return Outcome{}, fmt.Errorf("%w: missing transaction id", ErrInvalidEvent)
	}
	amount, err := ledger.NewPositiveCredits(customData.Credits)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(purchaseIdempotencyPrefix + transactionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	metadata, err := ledger.EmptyMetadata().With(metadataKeyProviderTransaction, transactionID)
	if err != nil {
		return Outcome{}, err
	}
	referenceID := strings.TrimSpace(customData.PurchaseID)
	if referenceID == "" {
		referenceID = transactionID
	}
	description := fmt.Sprintf(purchaseDescriptionFormat, amount.Int64())
	_, err = handler.ledger.Grant(ctx, account, amount, ledger.ReferenceCreditPurchase, referenceID, idempotencyKey, description, metadata)
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		handler.logger.Info("credit purchase already applied", zap.String("transaction_id", transactionID))
		return Outcome{Kind: OutcomePurchase, Account: account, Duplicate: true}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomePurchase, Account: account}, nil
}

func (handler *Handler) logRefillFailure(event Event, account ledger.AccountKey, err error) {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("user_id", account.UserID().String()),
		zap.String("environment", account.Environment().String()),
		zap.String("error_code", string(ledger.ErrorCodeOf(err))),
		zap.Error(err),
	}
	if errors.Is(err, ledger.ErrRefillAlreadyApplied) {
		handler.logger.Info("refill already applied for period", fields...)
		return
	}
	handler.logger.Warn("refill after subscription event failed", fields...)
}

const (
	purchaseIdempotencyPrefix      = "purchase:"
	purchaseDescriptionFormat      = "Credit purchase: %d credits"
	metadataKeyProviderTransaction = "provider_transaction_id"
)
