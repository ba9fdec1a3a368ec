package purchases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

const publishTimeout = 15 * time.Second

// PubSubEvents publishes entitlement lifecycle events to the configured
// Pub/Sub topic.
type PubSubEvents struct {
	publisher *gcppubsub.Publisher
}

// NewPubSubEvents wraps a topic publisher.
func NewPubSubEvents(publisher *gcppubsub.Publisher) (*PubSubEvents, error) {
	if publisher == nil {
		return nil, errors.New("pubsub publisher is required")
	}
	return &PubSubEvents{publisher: publisher}, nil
}

func (p *PubSubEvents) PublishEntitlementGranted(ctx context.Context, event EntitlementGrantedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding entitlement event: %w", err)
	}

	msg := &gcppubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":  "entitlement.granted",
			"provider_id": event.ProviderID.String(),
			"addon_type":  string(event.AddonType),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.publisher.Publish(publishCtx, msg).Get(publishCtx); err != nil {
		return fmt.Errorf("publishing entitlement event: %w", err)
	}
	return nil
}
