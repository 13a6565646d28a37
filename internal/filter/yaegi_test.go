package filter

import (
	"testing"
	"time"

	"crypto-screener/internal/model"
)

func snapshot(last, open float64) *model.Snapshot {
	return &model.Snapshot{
		Symbol: "BTCUSDT",
		Ticker: model.Ticker{Symbol: "BTCUSDT", LastPrice: last, OpenPrice: open, UpdateTime: 1},
	}
}

func TestGoCompiler_CompileAndEvaluate(t *testing.T) {
	c := NewGoCompiler(time.Second)

	pred, err := c.Compile("return data.Ticker.LastPrice > data.Ticker.OpenPrice")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	matched, err := pred.Evaluate(snapshot(110, 100))
	if err != nil || !matched {
		t.Errorf("Expected match, got matched=%v err=%v", matched, err)
	}

	matched, err = pred.Evaluate(snapshot(90, 100))
	if err != nil || matched {
		t.Errorf("Expected no match, got matched=%v err=%v", matched, err)
	}
}

func TestGoCompiler_TaHelpersVisible(t *testing.T) {
	c := NewGoCompiler(time.Second)

	pred, err := c.Compile(`return ta.HighestHigh(data.Klines["1m"], 10) > data.Ticker.LastPrice`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	snap := snapshot(100, 100)
	snap.Klines = map[string][]model.KlineBar{
		"1m": {{OpenTime: 1000, High: 150, Low: 90, Close: 100}},
	}
	matched, err := pred.Evaluate(snap)
	if err != nil || !matched {
		t.Errorf("Expected match via ta helper, got matched=%v err=%v", matched, err)
	}
}

func TestGoCompiler_SyntaxErrorFailsCompile(t *testing.T) {
	c := NewGoCompiler(time.Second)

	if _, err := c.Compile("return data.Ticker.LastPrice >"); err == nil {
		t.Error("Expected compile error for broken source")
	}
}

func TestGoCompiler_WrongShapeFailsCompile(t *testing.T) {
	c := NewGoCompiler(time.Second)

	// Body that does not return a bool
	if _, err := c.Compile("return"); err == nil {
		t.Error("Expected compile error for body without boolean result")
	}
}

func TestGoPredicate_TimeoutIsEnforced(t *testing.T) {
	c := NewGoCompiler(5 * time.Millisecond)

	// Interpreted busy loop that far outlives the wall-clock budget
	pred, err := c.Compile(`
	n := 0
	for i := 0; i < 300000; i++ {
		n += i
	}
	return n > 0`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	matched, err := pred.Evaluate(snapshot(100, 100))
	if err == nil {
		t.Fatal("Expected timeout error from slow filter")
	}
	if matched {
		t.Error("Timed-out evaluation must report no match")
	}

	// The late completion lands in a buffered channel; the caller can keep
	// evaluating without a crash or a torn result
	if _, err := pred.Evaluate(snapshot(100, 100)); err == nil {
		t.Error("Expected the slow filter to time out again")
	}
}

func TestGoPredicate_PanicIsCaptured(t *testing.T) {
	c := NewGoCompiler(time.Second)

	pred, err := c.Compile(`return data.Klines["1m"][42].Close > 0`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	// Klines is empty: indexing must surface as an error, not a crash
	matched, err := pred.Evaluate(snapshot(100, 100))
	if err == nil {
		t.Fatal("Expected runtime error from out-of-range access")
	}
	if matched {
		t.Error("Failed evaluation must report no match")
	}
}
