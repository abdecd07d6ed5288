package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trogers1052/opportunity-metrics/internal/models"
	"github.com/trogers1052/opportunity-metrics/internal/telemetry"
)

// Event processing outcomes recorded in telemetry
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultInvalid   = "invalid"
	resultFailed    = "failed"
)

// ScannerHandler applies scanner events to storage
type ScannerHandler interface {
	RecordOpportunity(ctx context.Context, o *models.Opportunity) (bool, error)
	OpenPosition(ctx context.Context, p *models.Position) (bool, error)
	ClosePosition(ctx context.Context, opportunityID, status string, pnl decimal.Decimal, at time.Time) (*models.Position, error)
}

// messageReader is the subset of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Config() kafka.ReaderConfig
}

// Consumer applies opportunity and position events emitted by the scanners.
// A message is committed once it has been applied or found unusable. Store
// failures are retried with backoff so an outage does not drop events.
type Consumer struct {
	reader     messageReader
	handler    ScannerHandler
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// NewConsumer creates a new Kafka consumer for scanner events
func NewConsumer(brokers []string, topic, groupID string, handler ScannerHandler, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger,
	}
}

// Start consumes messages until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting kafka consumer", zap.String("topic", c.reader.Config().Topic))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.Info("kafka consumer shutting down")
					return c.reader.Close()
				}
				c.logger.Error("error fetching message", zap.Error(err))
				continue
			}

			if err := c.handleMessage(ctx, msg); err != nil {
				// Uncommitted; the message is redelivered after restart.
				c.logger.Info("kafka consumer shutting down", zap.Int64("offset", msg.Offset))
				return c.reader.Close()
			}

			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.Error("error committing message",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
		}
	}
}

// handleMessage applies msg, retrying while the store is unavailable. Other
// failures are logged and the message is skipped. It returns an error only
// when ctx ends before the message could be applied.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.processMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if !models.IsStoreUnavailable(err) {
			c.logger.Error("error processing message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return nil
		}
		c.logger.Warn("store unavailable, retrying message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(c.backOff(), ctx))
}

func (c *Consumer) backOff() backoff.BackOff {
	if c.newBackOff != nil {
		return c.newBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// processMessage applies a single scanner event
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event models.ScannerEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		telemetry.EventProcessed("unknown", resultInvalid)
		return fmt.Errorf("failed to unmarshal scanner event: %w", err)
	}

	var (
		applied bool
		err     error
	)
	switch event.EventType {
	case models.EventOpportunityDetected:
		applied, err = c.applyOpportunity(ctx, event)
	case models.EventPositionOpened:
		applied, err = c.applyPositionOpened(ctx, event)
	case models.EventPositionClosed:
		applied, err = c.applyPositionClosed(ctx, event)
	default:
		c.logger.Debug("ignoring event type", zap.String("event_type", event.EventType))
		telemetry.EventProcessed(event.EventType, resultIgnored)
		return nil
	}

	switch {
	case err != nil && models.IsValidation(err):
		telemetry.EventProcessed(event.EventType, resultInvalid)
		return fmt.Errorf("invalid %s event: %w", event.EventType, err)
	case err != nil:
		telemetry.EventProcessed(event.EventType, resultFailed)
		return fmt.Errorf("failed to apply %s event: %w", event.EventType, err)
	case !applied:
		telemetry.EventProcessed(event.EventType, resultDuplicate)
	default:
		telemetry.EventProcessed(event.EventType, resultApplied)
	}
	return nil
}

func (c *Consumer) applyOpportunity(ctx context.Context, event models.ScannerEvent) (bool, error) {
	var data models.OpportunityEventData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return false, models.NewValidationError("data", err.Error())
	}

	opp, err := convertOpportunity(event, data)
	if err != nil {
		return false, err
	}

	inserted, err := c.handler.RecordOpportunity(ctx, opp)
	if err != nil {
		return false, err
	}
	if !inserted {
		c.logger.Debug("opportunity already recorded", zap.String("opportunity_id", opp.ID))
		return false, nil
	}

	c.logger.Info("recorded opportunity",
		zap.String("opportunity_id", opp.ID),
		zap.String("category", opp.Category),
		zap.String("source", event.Source),
	)
	return true, nil
}

func (c *Consumer) applyPositionOpened(ctx context.Context, event models.ScannerEvent) (bool, error) {
	var data models.PositionEventData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return false, models.NewValidationError("data", err.Error())
	}

	pos, err := convertPosition(event, data)
	if err != nil {
		return false, err
	}

	inserted, err := c.handler.OpenPosition(ctx, pos)
	if err != nil {
		return false, err
	}
	if inserted {
		c.logger.Info("opened position",
			zap.Int("position_id", pos.ID),
			zap.String("opportunity_id", data.OpportunityID),
			zap.String("stake", pos.StakeAmount.String()),
		)
	}
	return inserted, nil
}

func (c *Consumer) applyPositionClosed(ctx context.Context, event models.ScannerEvent) (bool, error) {
	var data models.PositionEventData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return false, models.NewValidationError("data", err.Error())
	}
	if data.OpportunityID == "" {
		return false, models.NewValidationError("opportunity_id", "is required")
	}
	if data.Pnl == nil {
		return false, models.NewValidationError("pnl", "is required to close a position")
	}
	pnl, err := parseDecimal("pnl", *data.Pnl)
	if err != nil {
		return false, err
	}
	at, err := parseEventTime("at", data.At, event.Timestamp)
	if err != nil {
		return false, err
	}

	pos, err := c.handler.ClosePosition(ctx, data.OpportunityID, strings.ToLower(data.Status), pnl, at)
	if err != nil {
		return false, err
	}

	c.logger.Info("closed position",
		zap.Int("position_id", pos.ID),
		zap.String("opportunity_id", data.OpportunityID),
		zap.String("status", pos.Status),
		zap.String("pnl", pnl.String()),
	)
	return true, nil
}

// convertOpportunity maps an OPPORTUNITY_DETECTED payload to an Opportunity
func convertOpportunity(event models.ScannerEvent, data models.OpportunityEventData) (*models.Opportunity, error) {
	if data.ID == "" {
		return nil, models.NewValidationError("id", "is required")
	}

	opp := &models.Opportunity{
		ID:              data.ID,
		Category:        strings.ToLower(strings.TrimSpace(data.Category)),
		Status:          models.OpportunityStatusOpen,
		Title:           data.Title,
		ConfidenceScore: data.ConfidenceScore,
		Data:            data.Details,
	}

	if data.ExpectedValue != nil && *data.ExpectedValue != "" {
		ev, err := parseDecimal("expected_value", *data.ExpectedValue)
		if err != nil {
			return nil, err
		}
		opp.ExpectedValue = &ev
	}
	if data.Margin != nil && *data.Margin != "" {
		margin, err := parseDecimal("margin", *data.Margin)
		if err != nil {
			return nil, err
		}
		opp.Margin = &margin
	}

	createdAt, err := parseEventTime("timestamp", nil, event.Timestamp)
	if err != nil {
		return nil, err
	}
	opp.CreatedAt = createdAt

	if data.ExpiresAt != nil && *data.ExpiresAt != "" {
		expiresAt, err := parseTimestamp("expires_at", *data.ExpiresAt)
		if err != nil {
			return nil, err
		}
		opp.ExpiresAt = &expiresAt
	}

	return opp, nil
}

// convertPosition maps a POSITION_OPENED payload to an open Position
func convertPosition(event models.ScannerEvent, data models.PositionEventData) (*models.Position, error) {
	if data.OpportunityID == "" {
		return nil, models.NewValidationError("opportunity_id", "is required")
	}

	stake, err := parseDecimal("stake_amount", data.StakeAmount)
	if err != nil {
		return nil, err
	}

	// Entry price is meaningless for some categories and may be omitted.
	entry := decimal.Zero
	if data.EntryPrice != "" {
		if entry, err = parseDecimal("entry_price", data.EntryPrice); err != nil {
			return nil, err
		}
	}

	openedAt, err := parseEventTime("at", data.At, event.Timestamp)
	if err != nil {
		return nil, err
	}

	opportunityID := data.OpportunityID
	return &models.Position{
		OpportunityID: &opportunityID,
		AssetClass:    strings.ToLower(strings.TrimSpace(data.AssetClass)),
		StakeAmount:   stake,
		EntryPrice:    entry,
		Status:        models.PositionStatusOpen,
		OpenedAt:      openedAt,
	}, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, models.NewValidationError(field, fmt.Sprintf("invalid decimal %q", s))
	}
	// Scanner values are computed; round to the stored scale rather than reject.
	d = d.Round(models.AmountScale)
	if err := models.CheckAmount(field, d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// parseEventTime returns the payload time when present, then the envelope
// timestamp, then now
func parseEventTime(field string, payload *string, envelope string) (time.Time, error) {
	if payload != nil && *payload != "" {
		return parseTimestamp(field, *payload)
	}
	if envelope != "" {
		return parseTimestamp("timestamp", envelope)
	}
	return time.Now().UTC(), nil
}

// parseTimestamp accepts RFC3339, falling back to a zone-less layout read as UTC
func parseTimestamp(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return time.Time{}, models.NewValidationError(field, fmt.Sprintf("invalid timestamp %q", s))
		}
	}
	return t.UTC(), nil
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
