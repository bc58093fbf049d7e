package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/tempo/internal/bus"
	"github.com/MarcoPoloResearchLab/tempo/internal/syncer"
	"go.uber.org/zap"
)

// Publisher receives the responses of a committed batch.
type Publisher interface {
	Publish(ctx context.Context, responses ...syncer.Response) error
}

// BusPublisher writes each response as JSON to the sync topic.
type BusPublisher struct {
	broker *bus.Broker
	topic  string
	logger *zap.Logger
}

func NewBusPublisher(broker *bus.Broker, topic string, logger *zap.Logger) (*BusPublisher, error) {
	if broker == nil {
		return nil, errors.New("events: broker is required")
	}
	if topic == "" {
		return nil, errors.New("events: sync topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusPublisher{broker: broker, topic: topic, logger: logger}, nil
}

func (p *BusPublisher) Publish(ctx context.Context, responses ...syncer.Response) error {
	var errs []error
	for _, response := range responses {
		payload, err := json.Marshal(response)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := p.broker.Publish(ctx, p.topic, payload); err != nil {
			p.logger.Warn("sync event publish failed",
				zap.String("entity_type", string(response.EntityType)),
				zap.String("entity_id", response.EntityID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout publishes to every non-nil publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, responses ...syncer.Response) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, responses...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
