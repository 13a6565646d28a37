package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"crypto-screener/internal/model"
)

func newTestStore(maxSymbols int) *MarketStore {
	return NewMarketStore(maxSymbols, 5, []string{"1m"}, 0)
}

func tick(symbol string, last, open float64) model.Ticker {
	return model.Ticker{Symbol: symbol, LastPrice: last, OpenPrice: open, UpdateTime: time.Now().UnixMilli()}
}

func TestResolveIndex_StableMapping(t *testing.T) {
	s := newTestStore(4)

	i1, err := s.ResolveIndex("BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	i2, err := s.ResolveIndex("ETHUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if i1 == i2 {
		t.Fatal("Distinct symbols must get distinct indices")
	}

	// Resolving again returns the same index
	again, _ := s.ResolveIndex("BTCUSDT")
	if again != i1 {
		t.Errorf("Expected stable index %d, got %d", i1, again)
	}

	name, ok := s.SymbolName(i2)
	if !ok || name != "ETHUSDT" {
		t.Errorf("Reverse mapping broken: got %q", name)
	}
}

func TestResolveIndex_CapacityError(t *testing.T) {
	s := newTestStore(2)
	s.ResolveIndex("A")
	s.ResolveIndex("B")

	_, err := s.ResolveIndex("C")
	var capErr *model.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Expected CapacityError, got %v", err)
	}

	// Existing mappings must be unaffected
	if s.SymbolCount() != 2 {
		t.Errorf("Expected 2 symbols, got %d", s.SymbolCount())
	}
	if _, ok := s.SymbolIndex("A"); !ok {
		t.Error("Existing mapping lost after capacity error")
	}
}

func TestUpdateTicker_SetsDirtyAndCounter(t *testing.T) {
	s := newTestStore(4)

	before := s.UpdateCount()
	if err := s.UpdateTicker(tick("BTCUSDT", 110, 100)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.UpdateCount() != before+1 {
		t.Errorf("Expected counter %d, got %d", before+1, s.UpdateCount())
	}

	dirty := s.SwapBuffers().DrainIndices()
	idx, _ := s.SymbolIndex("BTCUSDT")
	if len(dirty) != 1 || dirty[0] != idx {
		t.Errorf("Expected dirty [%d], got %v", idx, dirty)
	}

	got, ok := s.Ticker(idx)
	if !ok || got.LastPrice != 110 {
		t.Errorf("Expected stored ticker, got %+v ok=%v", got, ok)
	}
}

func TestSwapBuffers_NoLostUpdates(t *testing.T) {
	s := newTestStore(4)

	s.UpdateTicker(tick("BTCUSDT", 1, 1))
	first := s.SwapBuffers().DrainIndices()
	if len(first) != 1 {
		t.Fatalf("Expected 1 dirty symbol, got %v", first)
	}

	// Update after the swap lands in the other buffer
	s.UpdateTicker(tick("ETHUSDT", 2, 2))
	second := s.SwapBuffers().DrainIndices()
	idx, _ := s.SymbolIndex("ETHUSDT")
	if len(second) != 1 || second[0] != idx {
		t.Errorf("Expected dirty [%d] after second swap, got %v", idx, second)
	}

	// Nothing left behind
	if rest := s.SwapBuffers().DrainIndices(); len(rest) != 0 {
		t.Errorf("Expected no residual dirty bits, got %v", rest)
	}
}

func TestRateLimiter_DropsAndCoalesces(t *testing.T) {
	s := NewMarketStore(4, 5, []string{"1m"}, 100*time.Millisecond)
	now := time.Unix(1000, 0)
	s.nowFn = func() time.Time { return now }

	s.UpdateTicker(tick("BTCUSDT", 100, 100))
	s.SwapBuffers().DrainIndices()

	// Within the window: dropped silently, slot unchanged, no dirty bit
	now = now.Add(50 * time.Millisecond)
	s.UpdateTicker(tick("BTCUSDT", 200, 100))
	idx, _ := s.SymbolIndex("BTCUSDT")
	got, _ := s.Ticker(idx)
	if got.LastPrice != 100 {
		t.Errorf("Dropped update must not modify slot, got price %v", got.LastPrice)
	}
	if dirty := s.SwapBuffers().DrainIndices(); len(dirty) != 0 {
		t.Errorf("Dropped update must not set dirty bit, got %v", dirty)
	}

	// Past the window: accepted, dirty bit set again
	now = now.Add(100 * time.Millisecond)
	s.UpdateTicker(tick("BTCUSDT", 300, 100))
	got, _ = s.Ticker(idx)
	if got.LastPrice != 300 {
		t.Errorf("Expected accepted update, got price %v", got.LastPrice)
	}
	if dirty := s.SwapBuffers().DrainIndices(); len(dirty) != 1 {
		t.Errorf("Accepted update must set dirty bit, got %v", dirty)
	}
}

func TestUpdateKline_RingSemantics(t *testing.T) {
	s := newTestStore(4)

	// Rolling update of the same bar overwrites in place
	s.UpdateKline("BTCUSDT", "1m", model.KlineBar{OpenTime: 1000, Close: 1})
	s.UpdateKline("BTCUSDT", "1m", model.KlineBar{OpenTime: 1000, Close: 2})
	idx, _ := s.SymbolIndex("BTCUSDT")
	bars := s.Klines(idx, "1m")
	if len(bars) != 1 || bars[0].Close != 2 {
		t.Fatalf("Expected single overwritten bar, got %+v", bars)
	}

	// Fill past capacity (5): oldest bars drop off, order stays ascending
	for i := int64(2); i <= 7; i++ {
		s.UpdateKline("BTCUSDT", "1m", model.KlineBar{OpenTime: i * 1000, Close: float64(i)})
	}
	bars = s.Klines(idx, "1m")
	if len(bars) != 5 {
		t.Fatalf("Expected 5 bars at capacity, got %d", len(bars))
	}
	if bars[0].OpenTime != 3000 || bars[4].OpenTime != 7000 {
		t.Errorf("Expected window [3000..7000], got first=%d last=%d", bars[0].OpenTime, bars[4].OpenTime)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime <= bars[i-1].OpenTime {
			t.Fatalf("Bars not ascending: %+v", bars)
		}
	}
}

func TestUpdateKline_UnknownIntervalIgnored(t *testing.T) {
	s := newTestStore(4)

	if err := s.UpdateKline("BTCUSDT", "3d", model.KlineBar{OpenTime: 1000}); err != nil {
		t.Fatalf("Unknown interval must be a silent no-op, got %v", err)
	}
	if s.SymbolCount() != 0 {
		t.Error("Unknown interval must not allocate a symbol index")
	}
}

func TestPruneRateLimiter(t *testing.T) {
	s := NewMarketStore(4, 5, []string{"1m"}, 100*time.Millisecond)

	s.UpdateTicker(tick("BTCUSDT", 1, 1))
	// Simulate a stale entry whose symbol never got an index
	s.rateMu.Lock()
	s.lastAccept["GONEUSDT"] = time.Now()
	s.rateMu.Unlock()

	if pruned := s.PruneRateLimiter(); pruned != 1 {
		t.Errorf("Expected 1 pruned entry, got %d", pruned)
	}
}

func TestValidate(t *testing.T) {
	s := newTestStore(8)
	for i := 0; i < 3; i++ {
		s.ResolveIndex(fmt.Sprintf("SYM%d", i))
	}
	if !s.Validate() {
		t.Error("Expected healthy store to validate")
	}
}
