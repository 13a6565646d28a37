package filter

import (
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"crypto-screener/internal/model"
	"crypto-screener/pkg/ta"
)

// filterWrapper 把过滤器源码包成可调用的函数
// 源码本身就是函数体，例如：return data.Ticker.LastPrice > data.Ticker.OpenPrice
const filterWrapper = `
package main

import (
	"crypto-screener/internal/model"
	"crypto-screener/pkg/ta"
)

func filter(data *model.Snapshot) bool {
	%s
}
`

// GoCompiler 用 yaegi 解释器把过滤器源码编译为谓词
// 每次编译使用全新的解释器实例，避免跨 trader 的符号重复声明问题
type GoCompiler struct {
	timeout time.Duration // 单次执行的墙钟预算
}

// NewGoCompiler 创建本地 Go 过滤器编译器
func NewGoCompiler(timeout time.Duration) *GoCompiler {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &GoCompiler{timeout: timeout}
}

// Compile 编译过滤器源码并返回带执行防护的谓词
func (c *GoCompiler) Compile(code string) (Predicate, error) {
	i := interp.New(interp.Options{})

	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(customSymbols()); err != nil {
		return nil, fmt.Errorf("load custom symbols: %w", err)
	}

	if _, err := i.Eval(fmt.Sprintf(filterWrapper, code)); err != nil {
		return nil, fmt.Errorf("eval filter code: %w", err)
	}

	v, err := i.Eval("filter")
	if err != nil {
		return nil, fmt.Errorf("resolve filter func: %w", err)
	}
	fn, ok := v.Interface().(func(*model.Snapshot) bool)
	if !ok {
		return nil, fmt.Errorf("filter must be func(*model.Snapshot) bool, got %T", v.Interface())
	}

	return &goPredicate{fn: fn, timeout: c.timeout}, nil
}

// goPredicate 是本地编译谓词，带 panic 捕获和墙钟超时
// 用户代码不可信：既不允许 panic 逃逸，也不允许无限挂起评估周期
type goPredicate struct {
	fn      func(*model.Snapshot) bool
	timeout time.Duration
}

func (p *goPredicate) Evaluate(snap *model.Snapshot) (bool, error) {
	// 结果通过带缓冲通道传出：超时返回后迟到的完成不会写共享变量，
	// 也不会阻塞泄漏的 goroutine
	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("filter panic: %v", r)
			}
		}()
		resultCh <- p.fn(snap)
	}()

	select {
	case matched := <-resultCh:
		return matched, nil
	case err := <-errCh:
		return false, err
	case <-time.After(p.timeout):
		return false, fmt.Errorf("filter execution timed out after %v", p.timeout)
	}
}

// customSymbols 把模型类型和 ta 助手库暴露进解释器
func customSymbols() map[string]map[string]reflect.Value {
	return map[string]map[string]reflect.Value{
		"crypto-screener/internal/model/model": {
			"Ticker":    reflect.ValueOf((*model.Ticker)(nil)),
			"KlineBar":  reflect.ValueOf((*model.KlineBar)(nil)),
			"PriceNode": reflect.ValueOf((*model.PriceNode)(nil)),
			"Snapshot":  reflect.ValueOf((*model.Snapshot)(nil)),
		},
		"crypto-screener/pkg/ta/ta": {
			"Closes":      reflect.ValueOf(ta.Closes),
			"Highs":       reflect.ValueOf(ta.Highs),
			"Lows":        reflect.ValueOf(ta.Lows),
			"Volumes":     reflect.ValueOf(ta.Volumes),
			"SMA":         reflect.ValueOf(ta.SMA),
			"EMA":         reflect.ValueOf(ta.EMA),
			"RSI":         reflect.ValueOf(ta.RSI),
			"MACD":        reflect.ValueOf(ta.MACD),
			"BBands":      reflect.ValueOf(ta.BBands),
			"ATR":         reflect.ValueOf(ta.ATR),
			"HighestHigh": reflect.ValueOf(ta.HighestHigh),
			"LowestLow":   reflect.ValueOf(ta.LowestLow),
			"VWAP":        reflect.ValueOf(ta.VWAP),
			"AvgVolume":   reflect.ValueOf(ta.AvgVolume),
			"VolumeNodes": reflect.ValueOf(ta.VolumeNodes),
			"NearestNode": reflect.ValueOf(ta.NearestNode),
		},
	}
}
