// Package exchange abstracts the venue the bot trades against.
package exchange

import (
	"context"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Client is the venue surface the engine depends on. Implementations must
// be safe for concurrent use; the engine calls them from per-symbol
// workers.
type Client interface {
	// Tick returns the latest market data point for a symbol.
	Tick(ctx context.Context, symbol string) (types.Tick, error)
	// OpenPositions lists positions currently held on the venue.
	OpenPositions(ctx context.Context) ([]types.RawPosition, error)
	// AccountTrades returns the account's trade history for
	// reconciliation.
	AccountTrades(ctx context.Context) ([]types.RawTrade, error)
	// SubmitOrder executes an order and reports the fill.
	SubmitOrder(ctx context.Context, order *types.Order) (types.Fill, error)
}
