package ta

import (
	"math"
	"testing"

	"crypto-screener/internal/model"
)

func makeBars(closes ...float64) []model.KlineBar {
	bars := make([]model.KlineBar, len(closes))
	for i, c := range closes {
		bars[i] = model.KlineBar{
			OpenTime: int64(i+1) * 1000,
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
		}
	}
	return bars
}

func TestSMA(t *testing.T) {
	bars := makeBars(1, 2, 3, 4, 5)

	got := SMA(bars, 5)
	if math.Abs(got-3) > 1e-9 {
		t.Errorf("Expected SMA 3, got %v", got)
	}

	// Insufficient history falls back to 0
	if got := SMA(bars, 6); got != 0 {
		t.Errorf("Expected 0 for short history, got %v", got)
	}
}

func TestRSI_NeutralFallback(t *testing.T) {
	bars := makeBars(1, 2, 3)
	if got := RSI(bars, 14); got != 50 {
		t.Errorf("Expected neutral 50 for short history, got %v", got)
	}
}

func TestHighestHighLowestLow(t *testing.T) {
	bars := makeBars(10, 30, 20)

	if got := HighestHigh(bars, 3); got != 31 {
		t.Errorf("Expected highest 31, got %v", got)
	}
	if got := LowestLow(bars, 3); got != 9 {
		t.Errorf("Expected lowest 9, got %v", got)
	}

	// Lookback larger than the window clamps to what exists
	if got := HighestHigh(bars, 100); got != 31 {
		t.Errorf("Expected clamp to full window, got %v", got)
	}
	// Lookback 1 only sees the latest bar
	if got := HighestHigh(bars, 1); got != 21 {
		t.Errorf("Expected latest high 21, got %v", got)
	}
}

func TestVWAP(t *testing.T) {
	// Equal volumes: VWAP is the mean of typical prices
	bars := makeBars(10, 20)
	want := (10.0 + 20.0) / 2
	if got := VWAP(bars, 2); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected VWAP %v, got %v", want, got)
	}

	if got := VWAP(nil, 5); got != 0 {
		t.Errorf("Expected 0 for empty input, got %v", got)
	}
}

func TestAvgVolume(t *testing.T) {
	bars := makeBars(1, 2, 3, 4)
	if got := AvgVolume(bars, 2); got != 10 {
		t.Errorf("Expected 10, got %v", got)
	}
}

func TestVolumeNodes(t *testing.T) {
	// Volume concentrated around price 100, a little at 200
	bars := []model.KlineBar{
		{High: 101, Low: 99, Close: 100, Volume: 50},
		{High: 102, Low: 98, Close: 100, Volume: 60},
		{High: 201, Low: 199, Close: 200, Volume: 5},
	}

	nodes := VolumeNodes(bars, 3)
	if len(nodes) == 0 {
		t.Fatal("Expected at least one node")
	}
	// Highest-volume node must sit near 100, not 200
	if math.Abs(nodes[0].Price-100) > 15 {
		t.Errorf("Expected dominant node near 100, got %v", nodes[0].Price)
	}
	for i := 1; i < len(nodes); i++ {
		if nodes[i].Volume > nodes[i-1].Volume {
			t.Fatal("Nodes must be sorted by volume descending")
		}
	}
}

func TestVolumeNodes_FlatPrice(t *testing.T) {
	bars := []model.KlineBar{
		{High: 100, Low: 100, Close: 100, Volume: 10},
		{High: 100, Low: 100, Close: 100, Volume: 20},
	}

	nodes := VolumeNodes(bars, 5)
	if len(nodes) != 1 {
		t.Fatalf("Flat price must collapse to one node, got %d", len(nodes))
	}
	if nodes[0].Price != 100 || nodes[0].Volume != 30 {
		t.Errorf("Expected node {100 30}, got %+v", nodes[0])
	}
}

func TestNearestNode(t *testing.T) {
	nodes := []model.PriceNode{{Price: 100}, {Price: 200}, {Price: 150}}

	got, ok := NearestNode(nodes, 160)
	if !ok || got.Price != 150 {
		t.Errorf("Expected nearest 150, got %+v ok=%v", got, ok)
	}

	if _, ok := NearestNode(nil, 100); ok {
		t.Error("Empty node list must report ok=false")
	}
}
