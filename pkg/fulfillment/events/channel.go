// Package events provides EventPublisher implementations for the
// fulfillment engine
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment"
)

// Event is a published fulfillment event with its type tag
// 種別タグ付きの発行済みフルフィルメントイベント
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Event type tags
// イベント種別タグ
const (
	TypeLowStock          = "low_stock"
	TypeStockSeized       = "stock_seized"
	TypeOrderAssembled    = "order_assembled"
	TypeAwaitingMaterials = "awaiting_materials"
)

// ChannelPublisher delivers events to an in-process channel. Delivery is
// non-blocking: when the buffer is full the event is dropped and logged,
// never blocking a ledger operation.
// イベントをプロセス内チャネルへ配信する。配信は非ブロッキングであり、
// バッファが満杯の場合はイベントを破棄してログに残す。台帳操作をブロッ
// クすることはない。
type ChannelPublisher struct {
	ch     chan Event
	logger *zap.Logger
}

// インターフェースを実装することを明示
var _ fulfillment.EventPublisher = (*ChannelPublisher)(nil)

// NewChannelPublisher creates a channel publisher with the given buffer size
// 指定バッファサイズのチャネル発行者を作成
func NewChannelPublisher(buffer int, logger *zap.Logger) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelPublisher{
		ch:     make(chan Event, buffer),
		logger: logger,
	}
}

// Events returns the receive side of the event channel
// イベントチャネルの受信側を返す
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// PublishLowStock publishes a low-stock event
// 低在庫イベントを発行
func (p *ChannelPublisher) PublishLowStock(ctx context.Context, event fulfillment.LowStockEvent) error {
	p.send(Event{Type: TypeLowStock, Payload: event})
	return nil
}

// PublishStockSeized publishes a stock-seized event
// 在庫回収イベントを発行
func (p *ChannelPublisher) PublishStockSeized(ctx context.Context, event fulfillment.StockSeizedEvent) error {
	p.send(Event{Type: TypeStockSeized, Payload: event})
	return nil
}

// PublishOrderAssembled publishes an order-assembled event
// 注文組立イベントを発行
func (p *ChannelPublisher) PublishOrderAssembled(ctx context.Context, event fulfillment.OrderAssembledEvent) error {
	p.send(Event{Type: TypeOrderAssembled, Payload: event})
	return nil
}

// PublishAwaitingMaterials publishes an awaiting-materials event
// 原材料待ちイベントを発行
func (p *ChannelPublisher) PublishAwaitingMaterials(ctx context.Context, event fulfillment.AwaitingMaterialsEvent) error {
	p.send(Event{Type: TypeAwaitingMaterials, Payload: event})
	return nil
}

func (p *ChannelPublisher) send(event Event) {
	select {
	case p.ch <- event:
	default:
		p.logger.Warn("イベントバッファが満杯のため破棄しました", zap.String("type", event.Type))
	}
}

// NopPublisher discards all events
// すべてのイベントを破棄する発行者
type NopPublisher struct{}

var _ fulfillment.EventPublisher = NopPublisher{}

// PublishLowStock discards the event
func (NopPublisher) PublishLowStock(ctx context.Context, event fulfillment.LowStockEvent) error {
	return nil
}

// PublishStockSeized discards the event
func (NopPublisher) PublishStockSeized(ctx context.Context, event fulfillment.StockSeizedEvent) error {
	return nil
}

// PublishOrderAssembled discards the event
func (NopPublisher) PublishOrderAssembled(ctx context.Context, event fulfillment.OrderAssembledEvent) error {
	return nil
}

// PublishAwaitingMaterials discards the event
func (NopPublisher) PublishAwaitingMaterials(ctx context.Context, event fulfillment.AwaitingMaterialsEvent) error {
	return nil
}
