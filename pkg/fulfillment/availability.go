package fulfillment

import (
	"context"
	"fmt"
)

// Checker reports per-line shortfall against the ledger. It is read-only:
// it takes a snapshot read, performs no mutation, and is safe to call any
// number of times.
// 台帳に対する品目ごとの不足を報告する。読み取り専用であり、変更を行わず
// 何度呼び出しても安全。
type Checker struct {
	storage Storage // ストレージ層
}

// NewChecker creates a new availability checker
// 新しい在庫充足チェッカーを作成
func NewChecker(storage Storage) *Checker {
	return &Checker{storage: storage}
}

// Check reports availability for the given demand lines. Demand for the
// same item across multiple lines is aggregated before comparison.
// 指定の需要行に対する充足状況を報告する。同一品目の需要は比較前に
// 集計される。
func (c *Checker) Check(ctx context.Context, lines []DemandLine) (*AvailabilityReport, error) {
	if len(lines) == 0 {
		return nil, NewValidationError("lines", "需要行が空です", "")
	}

	// 品目ごとに需要を集計
	needed := make(map[string]int64, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%s: %d", line.ItemID, line.Quantity))
		}
		needed[line.ItemID] += line.Quantity
	}

	report := &AvailabilityReport{
		AllAvailable: true,
		PerLine:      make(map[string]LineAvailability, len(needed)),
	}

	for itemID, need := range needed {
		item, err := c.storage.GetItem(ctx, itemID)
		if err != nil {
			if err == ErrItemNotFound {
				return nil, ErrItemNotFound
			}
			return nil, NewStorageError("get_item", "品目取得に失敗しました", err)
		}

		shortfall := need - item.Quantity
		if shortfall < 0 {
			shortfall = 0
		}
		if shortfall > 0 {
			report.AllAvailable = false
		}

		report.PerLine[itemID] = LineAvailability{
			Available: item.Quantity,
			Needed:    need,
			Shortfall: shortfall,
		}
	}

	return report, nil
}

// CheckOrder reports availability for all lines of an order
// 注文の全明細行に対する充足状況を報告
func (c *Checker) CheckOrder(ctx context.Context, order *Order) (*AvailabilityReport, error) {
	return c.Check(ctx, demandOf(order))
}

// demandOf converts order lines to demand lines
// 注文明細を需要行に変換
func demandOf(order *Order) []DemandLine {
	lines := make([]DemandLine, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, DemandLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return lines
}
