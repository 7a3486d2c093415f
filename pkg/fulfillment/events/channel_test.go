package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment"
)

// TestChannelPublisher はチャネル発行者の配信のテスト
func TestChannelPublisher(t *testing.T) {
	publisher := NewChannelPublisher(4, zap.NewNop())
	ctx := context.Background()

	err := publisher.PublishLowStock(ctx, fulfillment.LowStockEvent{ItemID: "ITEM-A", Quantity: 3, Threshold: 5})
	assert.NoError(t, err)
	err = publisher.PublishStockSeized(ctx, fulfillment.StockSeizedEvent{ItemID: "ITEM-A", FromOrderID: "O-1", ToOrderID: "O-2", Quantity: 2})
	assert.NoError(t, err)

	event := <-publisher.Events()
	assert.Equal(t, TypeLowStock, event.Type)
	payload := event.Payload.(fulfillment.LowStockEvent)
	assert.Equal(t, "ITEM-A", payload.ItemID)

	event = <-publisher.Events()
	assert.Equal(t, TypeStockSeized, event.Type)
}

// TestChannelPublisher_DropsWhenFull はバッファ満杯時の非ブロッキング破棄のテスト
func TestChannelPublisher_DropsWhenFull(t *testing.T) {
	publisher := NewChannelPublisher(1, zap.NewNop())
	ctx := context.Background()

	// バッファ1に対して2件発行しても台帳側をブロックしない
	assert.NoError(t, publisher.PublishOrderAssembled(ctx, fulfillment.OrderAssembledEvent{OrderID: "O-1"}))
	assert.NoError(t, publisher.PublishOrderAssembled(ctx, fulfillment.OrderAssembledEvent{OrderID: "O-2"}))

	event := <-publisher.Events()
	payload := event.Payload.(fulfillment.OrderAssembledEvent)
	assert.Equal(t, "O-1", payload.OrderID)

	select {
	case extra := <-publisher.Events():
		t.Fatalf("破棄されるはずのイベントを受信しました: %+v", extra)
	default:
	}
}
