package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/tradegate/internal/types"
	"github.com/rs/zerolog/log"
)

// SimulatedVenue is an in-process venue implementing the full Adapter
// contract. Latency, liquidity, and failure behavior are configurable
// so it doubles as the development venue and the test double.
type SimulatedVenue struct {
	name            string
	minLatency      int // in milliseconds
	maxLatency      int
	liquidityFactor float64 // 0-1, available liquidity
	successRate     float64 // 0-1, probability of successful execution
	feeRate         float64 // fraction of transaction value
	basePrices      map[string]float64

	mu        sync.Mutex
	connected bool
	orders    map[string]*types.VenueOrder // by venue order id
	remaining int                          // simulated rate-limit budget

	// nextErr, when set, is returned by the next order operation and
	// cleared. Used to inject taxonomy errors deterministically.
	nextErr *types.AdapterError
}

// SimulatedConfig describes one venue profile.
type SimulatedConfig struct {
	Name            string
	MinLatency      int
	MaxLatency      int
	LiquidityFactor float64
	SuccessRate     float64
	FeeRate         float64
	BasePrices      map[string]float64
}

// NewSimulatedVenue creates a venue from a profile.
func NewSimulatedVenue(cfg SimulatedConfig) *SimulatedVenue {
	prices := cfg.BasePrices
	if prices == nil {
		prices = map[string]float64{}
	}
	return &SimulatedVenue{
		name:            cfg.Name,
		minLatency:      cfg.MinLatency,
		maxLatency:      cfg.MaxLatency,
		liquidityFactor: cfg.LiquidityFactor,
		successRate:     cfg.SuccessRate,
		feeRate:         cfg.FeeRate,
		basePrices:      prices,
		orders:          make(map[string]*types.VenueOrder),
		remaining:       1000,
	}
}

// DefaultVenues returns the stock venue profiles used by the server.
func DefaultVenues() []*SimulatedVenue {
	return []*SimulatedVenue{
		NewSimulatedVenue(SimulatedConfig{
			Name: "primary", MinLatency: 5, MaxLatency: 30,
			LiquidityFactor: 0.9, SuccessRate: 0.95, FeeRate: 0.001,
		}),
		NewSimulatedVenue(SimulatedConfig{
			Name: "secondary", MinLatency: 10, MaxLatency: 50,
			LiquidityFactor: 0.7, SuccessRate: 0.90, FeeRate: 0.0008,
		}),
		NewSimulatedVenue(SimulatedConfig{
			Name: "darkpool", MinLatency: 20, MaxLatency: 100,
			LiquidityFactor: 0.3, SuccessRate: 0.75, FeeRate: 0.0003,
		}),
	}
}

// FailNext injects an error to be returned by the next order
// operation. Test hook.
func (v *SimulatedVenue) FailNext(err *types.AdapterError) {
	v.mu.Lock()
	v.nextErr = err
	v.mu.Unlock()
}

func (v *SimulatedVenue) takeInjected() *types.AdapterError {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.nextErr
	v.nextErr = nil
	return err
}

func (v *SimulatedVenue) Name() string { return v.name }

func (v *SimulatedVenue) Connect(ctx context.Context) error {
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	log.Info().Str("venue", v.name).Msg("venue connected")
	return nil
}

func (v *SimulatedVenue) Disconnect() error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

func (v *SimulatedVenue) IsHealthy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

func (v *SimulatedVenue) Authenticate(ctx context.Context) error {
	if !v.IsHealthy() {
		return types.NewConnectionError(v.name, nil)
	}
	return nil
}

func (v *SimulatedVenue) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapMarketData, CapOrderBook, CapTrading, CapAccount, CapStreaming, CapHistory)
}

func (v *SimulatedVenue) RateLimits() types.RateLimits {
	return types.RateLimits{RequestsPerSecond: 50, Burst: 100}
}

// simulateLatency sleeps a random duration inside the venue's latency
// band, bailing out early if the context is cancelled.
func (v *SimulatedVenue) simulateLatency(ctx context.Context) error {
	latency := v.minLatency
	if v.maxLatency > v.minLatency {
		latency = rand.Intn(v.maxLatency-v.minLatency+1) + v.minLatency
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
		return nil
	}
}

func (v *SimulatedVenue) price(symbol string) float64 {
	if p, ok := v.basePrices[symbol]; ok {
		return p * (1 + (rand.Float64()*0.01 - 0.005))
	}
	return 100 * (1 + (rand.Float64()*0.01 - 0.005))
}

func (v *SimulatedVenue) GetMarketData(ctx context.Context, symbol string) (*types.Ticker, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return nil, types.NewConnectionError(v.name, err)
	}
	last := v.price(symbol)
	return &types.Ticker{
		Symbol:    symbol,
		Bid:       last * 0.9995,
		Ask:       last * 1.0005,
		Last:      last,
		Volume:    rand.Float64() * 10000,
		Timestamp: time.Now(),
	}, nil
}

func (v *SimulatedVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return nil, types.NewConnectionError(v.name, err)
	}
	if depth <= 0 {
		depth = 10
	}
	mid := v.price(symbol)
	book := &types.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for i := 1; i <= depth; i++ {
		step := float64(i) * mid * 0.0001
		book.Bids = append(book.Bids, types.PriceLevel{Price: mid - step, Quantity: rand.Float64() * 100})
		book.Asks = append(book.Asks, types.PriceLevel{Price: mid + step, Quantity: rand.Float64() * 100})
	}
	return book, nil
}

func (v *SimulatedVenue) GetBalance(ctx context.Context) ([]types.Balance, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return nil, types.NewConnectionError(v.name, err)
	}
	return []types.Balance{{Currency: "USD", Available: 1_000_000, Locked: 0}}, nil
}

func (v *SimulatedVenue) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return nil, types.NewConnectionError(v.name, err)
	}
	return nil, nil
}

func (v *SimulatedVenue) metadata(start time.Time) types.ResponseMetadata {
	v.mu.Lock()
	if v.remaining > 0 {
		v.remaining--
	}
	remaining := v.remaining
	v.mu.Unlock()

	return types.ResponseMetadata{
		Timestamp:          time.Now(),
		Venue:              v.name,
		RequestID:          uuid.New().String(),
		Latency:            time.Since(start),
		RateLimitRemaining: remaining,
	}
}

// CreateOrder simulates order execution against the venue's liquidity
// and success profile.
func (v *SimulatedVenue) CreateOrder(ctx context.Context, spec types.OrderSpec) (*types.ExchangeResponse, error) {
	start := time.Now()

	logger := log.With().
		Str("venue", v.name).
		Str("client_order_id", spec.ClientOrderID).
		Str("symbol", spec.Symbol).
		Str("side", spec.Side).
		Float64("quantity", spec.Quantity).
		Logger()

	if injected := v.takeInjected(); injected != nil {
		logger.Warn().Str("kind", string(injected.Kind)).Msg("injected venue failure")
		return types.Failed(injected, v.metadata(start)), injected
	}

	if !v.IsHealthy() {
		err := types.NewConnectionError(v.name, nil)
		return types.Failed(err, v.metadata(start)), err
	}

	if err := v.simulateLatency(ctx); err != nil {
		connErr := types.NewConnectionError(v.name, err)
		return types.Failed(connErr, v.metadata(start)), connErr
	}

	if rand.Float64() > v.successRate {
		logger.Warn().Float64("success_rate", v.successRate).Msg("venue rejected order")
		rejErr := types.NewOrderRejectedError(v.name, "", "liquidity provider rejected order")
		return types.Failed(rejErr, v.metadata(start)), rejErr
	}

	// Price variance of up to ±2% around the requested or market price
	refPrice := spec.Price
	if refPrice <= 0 {
		refPrice = v.price(spec.Symbol)
	}
	execPrice := refPrice * (1 + (rand.Float64()*0.04 - 0.02))

	// Partial fill when liquidity runs short
	filledQty := spec.Quantity
	status := types.StatusFilled
	if rand.Float64() > v.liquidityFactor {
		filledQty = spec.Quantity * v.liquidityFactor
		status = types.StatusPartiallyFilled
		logger.Debug().
			Float64("liquidity_factor", v.liquidityFactor).
			Float64("filled_quantity", filledQty).
			Msg("quantity reduced by available liquidity")
	}

	order := &types.VenueOrder{
		VenueOrderID:  fmt.Sprintf("%s-%s", v.name, uuid.New().String()),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Status:        status,
		Quantity:      spec.Quantity,
		FilledQty:     filledQty,
		AvgFillPrice:  execPrice,
		Commission:    execPrice * filledQty * v.feeRate,
		UpdatedAt:     time.Now(),
	}

	v.mu.Lock()
	v.orders[order.VenueOrderID] = order
	v.mu.Unlock()

	logger.Info().
		Str("venue_order_id", order.VenueOrderID).
		Float64("fill_price", execPrice).
		Float64("filled_quantity", filledQty).
		Msg("order executed on venue")

	return types.OK(order, v.metadata(start)), nil
}

func (v *SimulatedVenue) CancelOrder(ctx context.Context, venueOrderID, symbol string) (*types.ExchangeResponse, error) {
	start := time.Now()

	if injected := v.takeInjected(); injected != nil {
		return types.Failed(injected, v.metadata(start)), injected
	}
	if err := v.simulateLatency(ctx); err != nil {
		connErr := types.NewConnectionError(v.name, err)
		return types.Failed(connErr, v.metadata(start)), connErr
	}

	v.mu.Lock()
	order, ok := v.orders[venueOrderID]
	if ok && order.Status != types.StatusFilled {
		updated := *order
		updated.Status = types.StatusCancelled
		updated.UpdatedAt = time.Now()
		v.orders[venueOrderID] = &updated
		order = &updated
	}
	v.mu.Unlock()

	if !ok {
		rejErr := types.NewOrderRejectedError(v.name, venueOrderID, "order not found")
		return types.Failed(rejErr, v.metadata(start)), rejErr
	}
	return types.OK(order, v.metadata(start)), nil
}

func (v *SimulatedVenue) GetOrder(ctx context.Context, venueOrderID, symbol string) (*types.VenueOrder, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return nil, types.NewConnectionError(v.name, err)
	}
	v.mu.Lock()
	order, ok := v.orders[venueOrderID]
	v.mu.Unlock()
	if !ok {
		return nil, types.NewOrderRejectedError(v.name, venueOrderID, "order not found")
	}
	copied := *order
	return &copied, nil
}

func (v *SimulatedVenue) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]types.VenueOrder, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return nil, types.NewConnectionError(v.name, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	var history []types.VenueOrder
	for _, order := range v.orders {
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		if order.UpdatedAt.Before(since) {
			continue
		}
		history = append(history, *order)
	}
	return history, nil
}

// SetOrder seeds venue-side order state. Test and reconciliation
// fixture hook.
func (v *SimulatedVenue) SetOrder(order types.VenueOrder) {
	v.mu.Lock()
	v.orders[order.VenueOrderID] = &order
	v.mu.Unlock()
}

// SubscribeMarketData emits synthetic tickers until the context is
// cancelled.
func (v *SimulatedVenue) SubscribeMarketData(ctx context.Context, symbols []string, fn func(types.Ticker)) error {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, symbol := range symbols {
					last := v.price(symbol)
					fn(types.Ticker{
						Symbol:    symbol,
						Bid:       last * 0.9995,
						Ask:       last * 1.0005,
						Last:      last,
						Timestamp: time.Now(),
					})
				}
			}
		}
	}()
	return nil
}
