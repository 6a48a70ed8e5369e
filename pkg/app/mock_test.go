package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"riptide/dataprovider"
	"riptide/pkg/broker"
	"riptide/utilities"
)

// placedOrder records one PlaceOrder call for assertions.
type placedOrder struct {
	Pair   string
	Side   string
	Type   string
	Volume float64
	Price  float64
}

// mockBroker is an in-memory exchange. Every map is canned test data; the
// struct records order placements instead of executing them.
type mockBroker struct {
	mu sync.Mutex

	markets  map[string]broker.MarketInfo
	balances map[string]float64
	tickers  map[string]broker.TickerData
	bars     map[string][]utilities.OHLCVBar // key "PAIR|TF"
	stats    []broker.TickerStats
	open     []broker.Order
	orders   map[string]broker.Order

	placed []placedOrder
	nextID int

	// status every newly placed order reports, "filled" by default
	fillStatus   string
	fillFraction float64

	placeErrs   []error // consumed one per PlaceOrder call
	balanceErr  error
	statusCalls int
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		markets: map[string]broker.MarketInfo{
			"XRP/USDT": {Pair: "XRP/USDT", BaseAsset: "XRP", QuoteAsset: "USDT", LotStep: 0.0001},
		},
		balances:     map[string]float64{"USDT": 160},
		tickers:      make(map[string]broker.TickerData),
		bars:         make(map[string][]utilities.OHLCVBar),
		orders:       make(map[string]broker.Order),
		fillStatus:   "filled",
		fillFraction: 1,
	}
}

func (m *mockBroker) RefreshMarkets(ctx context.Context) error { return nil }

func (m *mockBroker) GetMarketInfo(pair string) (broker.MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.markets[pair]
	if !ok {
		return broker.MarketInfo{}, fmt.Errorf("unknown pair %s", pair)
	}
	return mi, nil
}

func (m *mockBroker) GetLastNOHLCVBars(ctx context.Context, pair, timeframe string, n int) ([]utilities.OHLCVBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars, ok := m.bars[pair+"|"+timeframe]
	if !ok {
		return nil, fmt.Errorf("no bars for %s %s", pair, timeframe)
	}
	return bars, nil
}

func (m *mockBroker) GetTicker(ctx context.Context, pair string) (broker.TickerData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[pair]
	if !ok {
		return broker.TickerData{}, fmt.Errorf("no ticker for %s", pair)
	}
	return t, nil
}

func (m *mockBroker) GetAllTickers(ctx context.Context, quote string) ([]broker.TickerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

func (m *mockBroker) GetBalance(ctx context.Context, currency string) (broker.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return broker.Balance{}, m.balanceErr
	}
	free := m.balances[currency]
	return broker.Balance{Currency: currency, Available: free, Total: free}, nil
}

func (m *mockBroker) GetAllBalances(ctx context.Context) ([]broker.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	out := make([]broker.Balance, 0, len(m.balances))
	for cur, free := range m.balances {
		if free <= 0 {
			continue
		}
		out = append(out, broker.Balance{Currency: cur, Available: free, Total: free})
	}
	return out, nil
}

func (m *mockBroker) PlaceOrder(ctx context.Context, pair, side, orderType string, volume, price float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	m.nextID++
	id := fmt.Sprintf("order-%d", m.nextID)
	m.placed = append(m.placed, placedOrder{Pair: pair, Side: side, Type: orderType, Volume: volume, Price: price})
	fillPrice := price
	if fillPrice <= 0 {
		fillPrice = m.tickers[pair].LastPrice
	}
	m.orders[id] = broker.Order{
		ID:           id,
		Pair:         pair,
		Side:         side,
		Type:         orderType,
		Status:       m.fillStatus,
		Price:        price,
		Volume:       volume,
		FilledVolume: volume * m.fillFraction,
		AvgFillPrice: fillPrice,
	}
	return id, nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, pair, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	o.Status = "canceled"
	m.orders[orderID] = o
	return nil
}

func (m *mockBroker) GetOrderStatus(ctx context.Context, pair, orderID string) (broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	o, ok := m.orders[orderID]
	if !ok {
		return broker.Order{}, broker.ErrOrderNotFound
	}
	return o, nil
}

func (m *mockBroker) GetOpenOrders(ctx context.Context, pair string) ([]broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []broker.Order
	for _, o := range m.open {
		if pair == "" || o.Pair == pair {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockBroker) placedOrders() []placedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]placedOrder(nil), m.placed...)
}

// memoNotifier captures outbound notifications, plain and rich.
type memoNotifier struct {
	mu    sync.Mutex
	msgs  []string
	fills []broker.Order
}

func (n *memoNotifier) SendMessage(message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
	return nil
}

func (n *memoNotifier) NotifyOrderFilled(order broker.Order, details string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fills = append(n.fills, order)
	return nil
}

func (n *memoNotifier) filledOrders() []broker.Order {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]broker.Order(nil), n.fills...)
}

func (n *memoNotifier) contains(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func testConfig() *utilities.AppConfig {
	cfg := &utilities.AppConfig{}
	cfg.Binance.APIKey = "k"
	cfg.Binance.APISecret = "s"
	cfg.Trading.Symbols = []string{"XRP/USDT"}
	cfg.ApplyDefaults()
	cfg.Trading.FillSettleDelayMs = 1
	return cfg
}

func newTestStateStore(t *testing.T) *dataprovider.StateStore {
	t.Helper()
	dir := t.TempDir()
	store, err := dataprovider.NewStateStore(utilities.StateConfig{
		Dir:       filepath.Join(dir, "state"),
		BackupDir: filepath.Join(dir, "state", "backups"),
	}, utilities.NewLogger(utilities.Error))
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T, m *mockBroker) (*EngineState, *memoNotifier) {
	t.Helper()
	notifier := &memoNotifier{}
	e := NewEngine(testConfig(), utilities.NewLogger(utilities.Error), m, notifier, newTestStateStore(t))
	e.exec.sleep = func(d time.Duration) {}
	return e, notifier
}

// addPosition injects a tracked position directly.
func (e *EngineState) addPosition(pos *utilities.Position) {
	e.stateMutex.Lock()
	e.openPositions[pos.Symbol] = pos
	e.stateMutex.Unlock()
}
