package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Paper simulates a venue with random-walk prices and immediate fills. It
// keeps an account trade history so the reconciliation path gets exercised
// in paper trading too.
type Paper struct {
	logger *zap.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
	seq    int
	trades []types.RawTrade
	// entryPrices remembers fills by position so reduce-only fills can
	// book a realized PnL into the account history.
	entries map[string]types.Fill
}

// NewPaper starts each symbol at its given price.
func NewPaper(logger *zap.Logger, startPrices map[string]float64, seed int64) *Paper {
	p := &Paper{
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
		prices:  make(map[string]decimal.Decimal),
		entries: make(map[string]types.Fill),
	}
	for sym, price := range startPrices {
		p.prices[sym] = decimal.NewFromFloat(price)
	}
	return p
}

// Tick advances the symbol's random walk by one step and returns it.
func (p *Paper) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	if err := ctx.Err(); err != nil {
		return types.Tick{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[symbol]
	if !ok {
		return types.Tick{}, fmt.Errorf("unknown symbol %q", symbol)
	}

	// Zero-drift walk with 0.2% per-step noise.
	step := 1 + (p.rng.Float64()-0.5)*0.004
	price = price.Mul(decimal.NewFromFloat(step))
	p.prices[symbol] = price

	return types.Tick{
		Symbol:    symbol,
		Price:     price,
		Volume:    decimal.NewFromFloat(p.rng.Float64() * 100),
		Timestamp: time.Now().UTC(),
	}, nil
}

// OpenPositions reports nothing: paper positions live only in the bot.
func (p *Paper) OpenPositions(ctx context.Context) ([]types.RawPosition, error) {
	return nil, ctx.Err()
}

// AccountTrades returns the simulated account history, oldest first.
func (p *Paper) AccountTrades(ctx context.Context) ([]types.RawTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.RawTrade, len(p.trades))
	copy(out, p.trades)
	return out, nil
}

// SubmitOrder fills immediately at the current simulated price.
func (p *Paper) SubmitOrder(ctx context.Context, order *types.Order) (types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return types.Fill{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[order.Symbol]
	if !ok {
		return types.Fill{}, fmt.Errorf("unknown symbol %q", order.Symbol)
	}

	p.seq++
	fill := types.Fill{
		OrderID:   order.ID,
		TradeID:   fmt.Sprintf("paper-%d-%s", p.seq, uuid.New().String()[:8]),
		Symbol:    order.Symbol,
		Price:     price,
		Quantity:  order.Quantity,
		Timestamp: time.Now().UTC(),
	}

	if order.ReduceOnly {
		p.bookClose(order, fill)
	} else {
		p.entries[order.PositionID] = fill
	}

	p.logger.Debug("paper fill",
		zap.String("symbol", order.Symbol),
		zap.String("kind", string(order.Kind)),
		zap.String("price", price.String()),
	)
	return fill, nil
}

// bookClose records a realized trade in the account history. Caller holds
// the lock.
func (p *Paper) bookClose(order *types.Order, fill types.Fill) {
	entry, ok := p.entries[order.PositionID]
	if !ok {
		return
	}
	delete(p.entries, order.PositionID)

	// The close order's side is the closing direction; the position side
	// is its opposite.
	posSide := order.Side.Opposite()
	diff := fill.Price.Sub(entry.Price)
	if posSide == types.SideShort {
		diff = diff.Neg()
	}
	p.trades = append(p.trades, types.RawTrade{
		TradeID:     fill.TradeID,
		Symbol:      order.Symbol,
		Side:        posSide,
		Price:       fill.Price,
		Quantity:    fill.Quantity,
		RealizedPnL: diff.Mul(fill.Quantity),
		Timestamp:   fill.Timestamp,
	})
}
