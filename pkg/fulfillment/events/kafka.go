package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment"
)

// KafkaPublisher publishes fulfillment events to a Kafka topic as JSON.
// The message key is the entity id the event concerns so events for the
// same item or order stay in one partition.
// フルフィルメントイベントをJSONとしてKafkaトピックへ発行する。メッセー
// ジキーは対象エンティティのIDとし、同一品目・同一注文のイベントが同じ
// パーティションに載るようにする。
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// インターフェースを実装することを明示
var _ fulfillment.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka publisher for the given broker and topic
// 指定ブローカーとトピック向けのKafka発行者を作成
func NewKafkaPublisher(brokerAddress, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerAddress),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
	return &KafkaPublisher{
		writer: writer,
		logger: logger,
	}
}

// PublishLowStock publishes a low-stock event
// 低在庫イベントを発行
func (p *KafkaPublisher) PublishLowStock(ctx context.Context, event fulfillment.LowStockEvent) error {
	return p.publish(ctx, TypeLowStock, event.ItemID, event)
}

// PublishStockSeized publishes a stock-seized event
// 在庫回収イベントを発行
func (p *KafkaPublisher) PublishStockSeized(ctx context.Context, event fulfillment.StockSeizedEvent) error {
	return p.publish(ctx, TypeStockSeized, event.ToOrderID, event)
}

// PublishOrderAssembled publishes an order-assembled event
// 注文組立イベントを発行
func (p *KafkaPublisher) PublishOrderAssembled(ctx context.Context, event fulfillment.OrderAssembledEvent) error {
	return p.publish(ctx, TypeOrderAssembled, event.OrderID, event)
}

// PublishAwaitingMaterials publishes an awaiting-materials event
// 原材料待ちイベントを発行
func (p *KafkaPublisher) PublishAwaitingMaterials(ctx context.Context, event fulfillment.AwaitingMaterialsEvent) error {
	return p.publish(ctx, TypeAwaitingMaterials, event.ProductionOrderID, event)
}

// Close flushes and closes the underlying writer
// 下層のライターをフラッシュしてクローズ
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) publish(ctx context.Context, eventType, key string, payload interface{}) error {
	value, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		p.logger.Error("イベントのシリアライズに失敗しました",
			zap.String("type", eventType),
			zap.Error(err),
		)
		return err
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("イベント発行に失敗しました",
			zap.String("type", eventType),
			zap.String("key", key),
			zap.Error(err),
		)
		return err
	}

	p.logger.Debug("イベント発行完了",
		zap.String("type", eventType),
		zap.String("key", key),
	)
	return nil
}
