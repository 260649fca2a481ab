package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"

	chatservice "tradepost/internal/app/services/chat"
)

type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group   sarama.ConsumerGroup
	handler MessageHandler
}

func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, handler MessageHandler) (*Consumer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_5_0_0
	g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: g, handler: handler}, nil
}

func (c *Consumer) Run(ctx context.Context, topics []string) error {
	for {
		if err := c.group.Consume(ctx, topics, consumerGroupHandler{handler: c.handler}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler MessageHandler
}

func (h consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.handler.Handle(sess.Context(), message); err != nil {
			// retry/handling delegated to handler
			continue
		}
		sess.MarkMessage(message, "")
	}
	return nil
}

// OrderEventHandler turns marketplace order events into order_update chat
// messages in the buyer/seller conversation for that order.
type OrderEventHandler struct {
	Chat   *chatservice.Service
	Logger *slog.Logger
}

type orderEvent struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	BuyerID   string `json:"buyer_id"`
	SellerID  string `json:"seller_id"`
	ActorID   string `json:"actor_id"`
	Status    string `json:"status"`
	Note      string `json:"note"`
}

func (h *OrderEventHandler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev orderEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("order event decode failed", "error", err, "topic", msg.Topic, "offset", msg.Offset)
		}
		// malformed payloads are not retryable
		return nil
	}
	if ev.OrderID == "" || ev.BuyerID == "" || ev.SellerID == "" {
		if h.Logger != nil {
			h.Logger.Warn("order event missing ids", "order_id", ev.OrderID)
		}
		return nil
	}
	_, _, err := h.Chat.PostOrderUpdate(ctx, chatservice.OrderUpdateParams{
		OrderID:   ev.OrderID,
		ProductID: ev.ProductID,
		BuyerID:   ev.BuyerID,
		SellerID:  ev.SellerID,
		ActorID:   ev.ActorID,
		Status:    ev.Status,
		Note:      ev.Note,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("order update ingestion failed", "error", err, "order_id", ev.OrderID)
		}
		return err
	}
	return nil
}
