package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var errNotReady = errors.New("bus: result not ready")

// ClientConfig wires a Client.
type ClientConfig struct {
	Broker       *Broker
	Cache        *ResponseCache
	RequestTopic string
	MaxAttempts  int
	Wait         time.Duration
	Clock        func() time.Time
	IDProvider   transaction.IDProvider
	Logger       *zap.Logger
}

// Client publishes batch requests and polls the response cache for their results.
type Client struct {
	broker       *Broker
	cache        *ResponseCache
	requestTopic string
	maxAttempts  int
	wait         time.Duration
	clock        func() time.Time
	idProvider   transaction.IDProvider
	logger       *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Broker == nil || cfg.Cache == nil {
		return nil, errors.New("bus: client needs a broker and a cache")
	}
	if err := validateTopic(cfg.RequestTopic); err != nil {
		return nil, err
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = transaction.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		broker:       cfg.Broker,
		cache:        cfg.Cache,
		requestTopic: cfg.RequestTopic,
		maxAttempts:  maxAttempts,
		wait:         cfg.Wait,
		clock:        clock,
		idProvider:   idProvider,
		logger:       logger,
	}, nil
}

// Send publishes records as one CRUD envelope and returns its request id.
func (c *Client) Send(ctx context.Context, role conflict.Role, records []transaction.Record) (string, error) {
	requestID, err := c.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("bus: request id: %w", err)
	}
	envelope := Envelope{
		RequestID: requestID,
		Timestamp: c.clock().UTC().UnixMilli(),
		Command:   CommandCRUD,
		Role:      role.String(),
		Payload:   records,
	}
	if err := envelope.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("bus: encode envelope: %w", err)
	}
	if _, err := c.broker.Publish(ctx, c.requestTopic, payload); err != nil {
		return "", err
	}
	c.logger.Debug("request published", zap.String("request_id", requestID), zap.Int("transactions", len(records)))
	return requestID, nil
}

// Await polls the cache for requestID with a fixed wait between a fixed number
// of attempts. Exhausting them yields ErrResponseTimeout: the outcome is unknown.
func (c *Client) Await(ctx context.Context, requestID string) (Result, error) {
	var result Result
	poll := func() error {
		cached, found, err := c.cache.Get(ctx, requestID)
		if err != nil {
			return err
		}
		if !found {
			return errNotReady
		}
		result = cached
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.wait), uint64(c.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(poll, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		correlationTimeouts.Inc()
		c.logger.Warn("response not received",
			zap.String("request_id", requestID),
			zap.Int("attempts", c.maxAttempts),
			zap.Error(err))
		return Result{}, fmt.Errorf("%w: request %s after %d attempts", ErrResponseTimeout, requestID, c.maxAttempts)
	}
	if err := c.cache.Delete(ctx, requestID); err != nil {
		c.logger.Debug("dropping cached result failed", zap.String("request_id", requestID), zap.Error(err))
	}
	return result, nil
}

// Request sends records and waits for the correlated result. A failed result
// is returned with its decoded error.
func (c *Client) Request(ctx context.Context, role conflict.Role, records []transaction.Record) (Result, error) {
	requestID, err := c.Send(ctx, role, records)
	if err != nil {
		return Result{}, err
	}
	result, err := c.Await(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	return result, result.Err()
}
