// Package screener 实现排空/评估循环：消费脏位缓冲，对每个 trader
// 执行过滤器，跟踪匹配状态迁移并向消费层发送增量结果
package screener

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crypto-screener/internal/filter"
	"crypto-screener/internal/model"
	"crypto-screener/internal/service"
	"crypto-screener/internal/store"
	"crypto-screener/pkg/ta"
)

// State 是引擎生命周期状态
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Sinks 是引擎的出站回调。nil 回调会被替换为 no-op
type Sinks struct {
	OnResult      func(model.ResultDelta)
	OnError       func(model.ErrorEvent)
	OnMemoryStats func(model.MemoryStats)
}

// Engine 是一个评估器上下文
// 多个引擎实例可以共享同一个 MarketStore (按 trader 子集分摊)，
// 但每个实例有自己的注册表、匹配状态和差分历史，互不共享；
// SwapBuffers 只由本实例这一个逻辑所有者调用
type Engine struct {
	cfg      service.ScreenerConfig
	store    *store.MarketStore
	registry *filter.Registry
	differ   *Differ
	states   *stateCache
	sinks    Sinks
	logger   *zap.Logger

	state atomic.Int32
	cycle atomic.Uint64

	// 保护调度句柄的启动/关停；幂等重启先取消旧句柄
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 滚动一分钟错误窗口和恢复状态
	errMu          sync.Mutex
	errTimes       []time.Time
	suspendedUntil time.Time
}

// NewEngine 完成一次性接线：共享存储、注册表、容量配置、出站回调
// 必须先于其他任何操作调用
func NewEngine(cfg service.ScreenerConfig, st *store.MarketStore, reg *filter.Registry, sinks Sinks) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine requires a market store")
	}
	if reg == nil {
		return nil, fmt.Errorf("engine requires a filter registry")
	}
	if sinks.OnResult == nil {
		sinks.OnResult = func(model.ResultDelta) {}
	}
	if sinks.OnError == nil {
		sinks.OnError = func(model.ErrorEvent) {}
	}
	if sinks.OnMemoryStats == nil {
		sinks.OnMemoryStats = func(model.MemoryStats) {}
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		registry: reg,
		differ:   NewDiffer(),
		states:   newStateCache(cfg.MaxCacheSize),
		sinks:    sinks,
		logger:   service.Logger,
	}
	e.state.Store(int32(StateInitialized))
	return e, nil
}

// Start 启动排空/评估循环和周期性维护
// 幂等：重复调用先取消已有的调度句柄，绝不泄漏第二个定时器
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch State(e.state.Load()) {
	case StateShuttingDown, StateTerminated:
		return fmt.Errorf("cannot start engine in state %s", State(e.state.Load()))
	}

	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.state.Store(int32(StateRunning))

	e.wg.Add(2)
	go e.cycleLoop(ctx)
	go e.maintenanceLoop(ctx)

	e.logger.Info("Screening engine started",
		zap.Duration("cycle_interval", e.cfg.CycleInterval),
		zap.Int("batch_size", e.cfg.BatchSize))
	return nil
}

func (e *Engine) cycleLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.CycleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle 执行一个完整的处理周期
// 状态机：Drain -> Route -> Evaluate -> Match tracking -> Emit
func (e *Engine) runCycle(ctx context.Context) {
	if State(e.state.Load()) != StateRunning {
		return
	}

	// 错误率恢复：暂停期内不处理；退避结束先尝试恢复，失败留到下个周期
	e.errMu.Lock()
	suspended := e.suspendedUntil
	e.errMu.Unlock()
	if !suspended.IsZero() {
		if time.Now().Before(suspended) {
			return
		}
		if !e.tryRecover() {
			return
		}
	}

	// Drain: 交换缓冲并逐位消费冻结的读缓冲
	dirty := e.store.SwapBuffers().DrainIndices()
	if len(dirty) == 0 {
		return
	}
	cycleN := e.cycle.Add(1)

	traders := e.registry.Active()
	if len(traders) == 0 {
		return
	}

	// 按 trader 累积脏符号的本周期判定；整周期完成后才应用到匹配状态，
	// 半途关停时直接丢弃，不暴露不一致的中间态
	outcomes := make(map[string]map[string]bool, len(traders))
	for _, t := range traders {
		outcomes[t.TraderID] = make(map[string]bool)
	}

	// Route: 大批量脏符号按固定块顺序处理，限制单周期最坏延迟
	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	for start := 0; start < len(dirty); start += batch {
		end := start + batch
		if end > len(dirty) {
			end = len(dirty)
		}

		// 协作式取消：块之间检查关停标志
		select {
		case <-ctx.Done():
			return
		default:
		}
		if State(e.state.Load()) != StateRunning {
			return
		}

		e.evaluateChunk(dirty[start:end], traders, outcomes)

		if end < len(dirty) {
			runtime.Gosched()
		}
	}

	e.applyOutcomes(traders, outcomes, cycleN)
}

// evaluateChunk 对一个脏符号块执行所有 trader 的谓词
func (e *Engine) evaluateChunk(chunk []int, traders []model.TraderFilter, outcomes map[string]map[string]bool) {
	for _, idx := range chunk {
		name, ok := e.store.SymbolName(idx)
		if !ok {
			continue
		}
		ticker, ok := e.store.Ticker(idx)
		if !ok {
			// 槽位尚无数据
			continue
		}

		for _, t := range traders {
			_, pred, ok := e.registry.Get(t.TraderID)
			if !ok || pred == nil {
				continue
			}

			snap, ok := e.buildSnapshot(idx, name, ticker, &t)
			if !ok {
				// 某个必需周期的历史不足：静默跳过，不算错误
				continue
			}

			matched, err := pred.Evaluate(snap)
			if err != nil {
				// 按符号遏制：该符号保持上周期状态，同一 trader 的
				// 其余符号继续评估
				e.reportError("filter_exec", t.TraderID, name, err)
				continue
			}
			outcomes[t.TraderID][name] = matched
		}
	}
}

// buildSnapshot 组装单符号评估上下文：快照 + trader 声明的全部周期
// + 从最长周期推导的高量价节点
func (e *Engine) buildSnapshot(idx int, name string, ticker model.Ticker, t *model.TraderFilter) (*model.Snapshot, bool) {
	klines := make(map[string][]model.KlineBar, len(t.Timeframes))
	for _, tf := range t.Timeframes {
		bars := e.store.Klines(idx, tf)
		if len(bars) < e.cfg.MinBars {
			return nil, false
		}
		klines[tf] = bars
	}

	var nodes []model.PriceNode
	if longest := service.LongestInterval(t.Timeframes); longest != "" {
		nodes = ta.VolumeNodes(klines[longest], 0)
	}

	return &model.Snapshot{
		Symbol:      name,
		Ticker:      ticker,
		Klines:      klines,
		VolumeNodes: nodes,
		Timestamp:   time.Now(),
	}, true
}

// applyOutcomes 把完成周期的判定合并进每个 trader 的匹配状态，
// 识别状态迁移 (新命中 = 信号，丢失 = 移除) 并经差分器发出
func (e *Engine) applyOutcomes(traders []model.TraderFilter, outcomes map[string]map[string]bool, cycleN uint64) {
	for _, t := range traders {
		oc := outcomes[t.TraderID]
		if len(oc) == 0 {
			continue
		}

		newSet := e.states.Get(t.TraderID)
		if newSet == nil {
			newSet = make(map[string]struct{})
		}

		var signals []model.Signal
		for name, matched := range oc {
			if !matched {
				delete(newSet, name)
				continue
			}
			if _, was := newSet[name]; !was {
				// 上周期不满足、本周期满足：新信号
				var price, volume float64
				if idx, ok := e.store.SymbolIndex(name); ok {
					if tk, ok := e.store.Ticker(idx); ok {
						price = tk.LastPrice
						volume = tk.QuoteVolume
					}
				}
				signals = append(signals, model.Signal{
					ID:          uuid.New().String(),
					TraderID:    t.TraderID,
					Symbol:      name,
					Price:       price,
					Volume:      volume,
					TriggeredAt: time.Now(),
				})
			}
			newSet[name] = struct{}{}
		}

		e.states.Put(t.TraderID, newSet)
		e.registry.Touch(t.TraderID)

		matches := make([]string, 0, len(newSet))
		for s := range newSet {
			matches = append(matches, s)
		}
		sort.Strings(matches)

		delta := e.differ.Diff(model.ScreenResult{
			TraderID: t.TraderID,
			Matches:  matches,
			Signals:  signals,
			Cycle:    cycleN,
		})
		if delta != nil {
			e.sinks.OnResult(*delta)
		}
	}
}

// reportError 记录一次失败到滚动一分钟窗口并上报
// 越过阈值时暂停处理，退避后由 runCycle 触发恢复
func (e *Engine) reportError(errCtx, traderID, symbol string, err error) {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	e.errMu.Lock()
	kept := e.errTimes[:0]
	for _, ts := range e.errTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.errTimes = append(kept, now)
	count := len(e.errTimes)

	threshold := e.cfg.ErrorRateThreshold
	if threshold <= 0 {
		threshold = 10
	}
	triggered := count >= threshold && e.suspendedUntil.IsZero()
	if triggered {
		backoff := e.cfg.RecoveryBackoff
		if backoff <= 0 {
			backoff = 5 * time.Second
		}
		e.suspendedUntil = now.Add(backoff)
	}
	e.errMu.Unlock()

	e.sinks.OnError(model.ErrorEvent{
		Context:    errCtx,
		TraderID:   traderID,
		Symbol:     symbol,
		Message:    err.Error(),
		ErrorCount: count,
		Timestamp:  now,
	})

	if triggered {
		e.logger.Warn("Error rate threshold crossed, suspending processing",
			zap.Int("errors_per_min", count),
			zap.Duration("backoff", e.cfg.RecoveryBackoff))
	}
}

// tryRecover 退避结束后的恢复尝试：校验缓冲区、清理瞬态缓存
// 失败不升级，下个周期重试
func (e *Engine) tryRecover() bool {
	if !e.store.Validate() {
		e.logger.Warn("Recovery attempt failed: store validation, will retry next cycle")
		return false
	}

	e.store.PruneRateLimiter()

	e.errMu.Lock()
	e.errTimes = nil
	e.suspendedUntil = time.Time{}
	e.errMu.Unlock()

	e.logger.Info("Recovered from elevated error rate")
	return true
}

// maintenanceLoop 周期性缓存维护：LRU 淘汰超限的匹配状态、
// 清理限流残留、上报内存遥测
func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runMaintenance()
		}
	}
}

func (e *Engine) runMaintenance() {
	// 被淘汰的 trader 同步丢弃差分历史：下个周期按首周期全量输出
	evicted := e.states.EvictOver()
	for _, id := range evicted {
		e.differ.Forget(id)
	}
	if len(evicted) > 0 {
		e.logger.Info("Evicted trader match states", zap.Int("count", len(evicted)))
	}

	pruned := e.store.PruneRateLimiter()
	if pruned > 0 {
		e.logger.Debug("Pruned stale rate limiter entries", zap.Int("count", pruned))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	e.sinks.OnMemoryStats(model.MemoryStats{
		TraderStates:    e.states.Len(),
		CompiledFilters: e.registry.CompiledCount(),
		CacheEvictions:  e.states.Evictions() + e.registry.Evictions(),
		HeapEstimate:    int64(ms.HeapAlloc),
		Timestamp:       time.Now(),
	})
}

// AddTrader 注册或更新一个 trader
// 编译失败只让该 trader 惰性，同时经 onError 上报，不影响其他 trader
func (e *Engine) AddTrader(t model.TraderFilter) error {
	err := e.registry.AddOrUpdate(t)
	if err != nil {
		e.sinks.OnError(model.ErrorEvent{
			Context:   "filter_compile",
			TraderID:  t.TraderID,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
	}
	return err
}

// UpdateTrader 与 AddTrader 相同的幂等语义
func (e *Engine) UpdateTrader(t model.TraderFilter) error {
	return e.AddTrader(t)
}

// RemoveTrader 移除 trader 并丢弃其全部缓存 (谓词、匹配状态、差分历史)
func (e *Engine) RemoveTrader(traderID string) {
	e.registry.Remove(traderID)
	e.states.Forget(traderID)
	e.differ.Forget(traderID)
}

// Ping 存活探针，立即应答且独立于主循环
// 调用方据此区分 "忙" 和 "死"
func (e *Engine) Ping() string {
	return "pong"
}

// Status 返回当前运行状态摘要
func (e *Engine) Status() model.Status {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return model.Status{
		State:           State(e.state.Load()).String(),
		TraderCount:     e.registry.Count(),
		SymbolCount:     e.store.SymbolCount(),
		LastUpdateCount: e.store.UpdateCount(),
		CompiledFilters: e.registry.CompiledCount(),
		MemoryEstimate:  int64(ms.HeapAlloc),
	}
}

// Shutdown 优雅关停：置关停标志、取消调度句柄、等待在途周期结束，
// 然后释放全部 per-trader 状态。ctx 超时触发强制终止兜底，
// 绝不 fire-and-forget
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if State(e.state.Load()) == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.state.Store(int32(StateShuttingDown))
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("graceful shutdown timed out, forcing terminate: %w", ctx.Err())
	}

	// 释放 per-trader 状态和已编译谓词的全部引用
	e.states.Clear()
	e.differ.Clear()
	e.registry.Clear()
	e.state.Store(int32(StateTerminated))

	e.logger.Info("Screening engine terminated", zap.Error(err))
	return err
}

// CurrentState 返回生命周期状态
func (e *Engine) CurrentState() State {
	return State(e.state.Load())
}
