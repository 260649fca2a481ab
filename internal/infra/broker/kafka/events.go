package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ChatEventPublisher forwards chat events to the notification pipeline's
// topic. Publishing is best-effort; callers log failures and move on.
type ChatEventPublisher struct {
	Producer *Producer
	Topic    string
	Logger   *slog.Logger
}

func (p *ChatEventPublisher) Publish(ctx context.Context, eventType, key string, payload any) error {
	if p == nil || p.Producer == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafka: encode %s event: %w", eventType, err)
	}
	headers := map[string]string{"event_type": eventType}
	if err := p.Producer.Publish(ctx, p.Topic, key, body, headers); err != nil {
		return fmt.Errorf("kafka: publish %s event: %w", eventType, err)
	}
	if p.Logger != nil {
		p.Logger.Debug("chat event published", "event_type", eventType, "key", key)
	}
	return nil
}
