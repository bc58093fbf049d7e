package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/bus"
	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/events"
	"github.com/MarcoPoloResearchLab/tempo/internal/syncer"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const consumerGroup = "dispatcher"

var (
	errMissingBroker  = errors.New("dispatch: broker is required")
	errMissingApplier = errors.New("dispatch: applier is required")
	errMissingFactory = errors.New("dispatch: transaction factory is required")
	errNotCRUD        = errors.New("dispatch: payload entry is not a CRUD transaction")

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_dispatch_requests_total",
		Help: "Requests consumed from the request topic by result.",
	}, []string{"result"})
)

// Applier runs a batch. syncer.Manager satisfies it.
type Applier interface {
	Apply(ctx context.Context, batch []transaction.CRUD, role conflict.Role) ([]syncer.Response, error)
}

// Config wires a Dispatcher.
type Config struct {
	Broker       *bus.Broker
	Applier      Applier
	Factory      *transaction.Factory
	Publisher    events.Publisher
	RequestTopic string
	ReplyTopic   string
	ErrorTopic   string
	DefaultRole  conflict.Role
	Concurrency  int
	BatchSize    int
	PollTimeout  time.Duration
	Logger       *zap.Logger
}

// Dispatcher consumes batch envelopes from the request topic and answers on
// the reply or error topic. Requests touching a common entity run in topic
// order; disjoint requests run in parallel up to Concurrency.
type Dispatcher struct {
	broker       *bus.Broker
	applier      Applier
	factory      *transaction.Factory
	publisher    events.Publisher
	requestTopic string
	replyTopic   string
	errorTopic   string
	defaultRole  conflict.Role
	concurrency  int
	batchSize    int
	pollTimeout  time.Duration
	logger       *zap.Logger
}

// NewDispatcher validates the configuration and returns a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	if cfg.Factory == nil {
		return nil, errMissingFactory
	}
	for name, topic := range map[string]string{"request": cfg.RequestTopic, "reply": cfg.ReplyTopic, "error": cfg.ErrorTopic} {
		if topic == "" {
			return nil, fmt.Errorf("dispatch: %s topic is required", name)
		}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = concurrency * 4
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		broker:       cfg.Broker,
		applier:      cfg.Applier,
		factory:      cfg.Factory,
		publisher:    cfg.Publisher,
		requestTopic: cfg.RequestTopic,
		replyTopic:   cfg.ReplyTopic,
		errorTopic:   cfg.ErrorTopic,
		defaultRole:  cfg.DefaultRole,
		concurrency:  concurrency,
		batchSize:    batchSize,
		pollTimeout:  pollTimeout,
		logger:       logger,
	}, nil
}

// Run consumes the request topic until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		messages, err := d.broker.Fetch(ctx, consumerGroup, d.requestTopic, d.batchSize, d.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(messages) == 0 {
			continue
		}
		if err := d.process(ctx, messages); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

type request struct {
	message  bus.Message
	envelope bus.Envelope
	batch    []transaction.CRUD
	role     conflict.Role
	failure  error
	after    []chan struct{}
	done     chan struct{}
}

// process handles one fetched window and commits its offset once every
// request in it has been answered.
func (d *Dispatcher) process(ctx context.Context, messages []bus.Message) error {
	requests := make([]*request, 0, len(messages))
	lastByKey := make(map[entity.Key]chan struct{})
	for _, message := range messages {
		req := d.decode(message)
		seen := make(map[chan struct{}]bool)
		for _, crud := range req.batch {
			key := crud.Key()
			if previous, ok := lastByKey[key]; ok && !seen[previous] {
				req.after = append(req.after, previous)
				seen[previous] = true
			}
			lastByKey[key] = req.done
		}
		requests = append(requests, req)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.concurrency)
	for _, req := range requests {
		req := req
		group.Go(func() error {
			defer close(req.done)
			for _, previous := range req.after {
				select {
				case <-previous:
				case <-groupCtx.Done():
					return groupCtx.Err()
				}
			}
			return d.handle(groupCtx, req)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	last := messages[len(messages)-1].Sequence
	return d.broker.Commit(ctx, consumerGroup, d.requestTopic, last)
}

func (d *Dispatcher) decode(message bus.Message) *request {
	req := &request{message: message, done: make(chan struct{})}
	envelope, err := bus.DecodeEnvelope(message.Payload)
	req.envelope = envelope
	if err != nil {
		req.failure = err
		return req
	}
	req.role = d.defaultRole
	if envelope.Role != "" {
		role, err := conflict.ParseRole(envelope.Role)
		if err != nil {
			req.failure = err
			return req
		}
		req.role = role
	}
	batch, err := d.toBatch(envelope.Sorted())
	if err != nil {
		req.failure = err
		return req
	}
	req.batch = batch
	return req
}

// toBatch restores wire records. Delta records contribute their CRUD members.
func (d *Dispatcher) toBatch(records []transaction.Record) ([]transaction.CRUD, error) {
	batch := make([]transaction.CRUD, 0, len(records))
	for _, record := range records {
		restored, err := d.factory.FromRecord(record)
		if err != nil {
			return nil, err
		}
		flattened, err := flatten(restored)
		if err != nil {
			return nil, err
		}
		batch = append(batch, flattened...)
	}
	return batch, nil
}

func flatten(t transaction.Transaction) ([]transaction.CRUD, error) {
	switch typed := t.(type) {
	case transaction.CRUD:
		return []transaction.CRUD{typed}, nil
	case *transaction.Delta:
		var out []transaction.CRUD
		for _, member := range typed.Members() {
			members, err := flatten(member)
			if err != nil {
				return nil, err
			}
			out = append(out, members...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", errNotCRUD, t)
	}
}

func (d *Dispatcher) handle(ctx context.Context, req *request) error {
	requestID := req.envelope.RequestID
	if req.failure != nil {
		if requestID == "" {
			requestsTotal.WithLabelValues("dropped").Inc()
			d.logger.Warn("dropping request without id",
				zap.Uint64("sequence", req.message.Sequence),
				zap.Error(req.failure))
			return nil
		}
		requestsTotal.WithLabelValues("rejected").Inc()
		return d.reply(ctx, d.errorTopic, bus.NewFailure(requestID, req.failure))
	}

	responses, err := d.applier.Apply(ctx, req.batch, req.role)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		requestsTotal.WithLabelValues("failed").Inc()
		d.logger.Info("batch failed",
			zap.String("request_id", requestID),
			zap.String("role", req.role.String()),
			zap.Error(err))
		return d.reply(ctx, d.errorTopic, bus.NewFailure(requestID, err))
	}
	requestsTotal.WithLabelValues("applied").Inc()
	if err := d.reply(ctx, d.replyTopic, bus.Result{RequestID: requestID, OK: true, Responses: responses}); err != nil {
		return err
	}
	if d.publisher != nil && len(responses) > 0 {
		if err := d.publisher.Publish(ctx, responses...); err != nil {
			d.logger.Warn("sync event publish failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, topic string, result bus.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("dispatch: encode result %s: %w", result.RequestID, err)
	}
	if _, err := d.broker.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("dispatch: publish result %s: %w", result.RequestID, err)
	}
	return nil
}
