package bus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const resolverGroup = "resolver"

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Broker      *Broker
	Cache       *ResponseCache
	Topics      []string
	PollTimeout time.Duration
	BatchSize   int
	Logger      *zap.Logger
}

// Resolver drains reply and error topics into the response cache.
type Resolver struct {
	broker      *Broker
	cache       *ResponseCache
	topics      []string
	pollTimeout time.Duration
	batchSize   int
	logger      *zap.Logger
}

// NewResolver validates the configuration and returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Broker == nil || cfg.Cache == nil {
		return nil, errors.New("bus: resolver needs a broker and a cache")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("bus: resolver needs at least one topic")
	}
	for _, topic := range cfg.Topics {
		if err := validateTopic(topic); err != nil {
			return nil, err
		}
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 3 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{
		broker:      cfg.Broker,
		cache:       cfg.Cache,
		topics:      append([]string(nil), cfg.Topics...),
		pollTimeout: pollTimeout,
		batchSize:   batchSize,
		logger:      logger,
	}, nil
}

// Run drains every topic until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, topic := range r.topics {
		topic := topic
		group.Go(func() error {
			return r.drain(groupCtx, topic)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Resolver) drain(ctx context.Context, topic string) error {
	for {
		messages, err := r.broker.Fetch(ctx, resolverGroup, topic, r.batchSize, r.pollTimeout)
		if err != nil {
			return err
		}
		for _, message := range messages {
			r.resolve(ctx, message)
			if err := r.broker.Commit(ctx, resolverGroup, topic, message.Sequence); err != nil {
				return err
			}
		}
	}
}

func (r *Resolver) resolve(ctx context.Context, message Message) {
	result, err := DecodeResult(message.Payload)
	if err != nil {
		r.logger.Warn("dropping undecodable result",
			zap.String("topic", message.Topic),
			zap.Uint64("sequence", message.Sequence),
			zap.Error(err))
		return
	}
	if err := r.cache.Put(ctx, result); err != nil {
		r.logger.Error("caching result failed",
			zap.String("request_id", result.RequestID),
			zap.Error(err))
		return
	}
	resolvedTotal.WithLabelValues(message.Topic).Inc()
}
