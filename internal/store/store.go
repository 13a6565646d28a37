package store

import (
	"sync"
	"sync/atomic"
	"time"

	"crypto-screener/internal/model"
)

// slot 是单个符号的行情负载
// 槽位数据用每符号锁保护；脏位协议保证读者看到脏位后整槽重读，
// 绝不增量读取单个字段
type slot struct {
	mu     sync.RWMutex
	ticker model.Ticker
}

// klineRing 是固定容量的 K 线环形窗口
// OpenTime 相同的 bar 覆盖最后一根 (当前未收盘 K 线的滚动更新)，
// 新 bar 在写满后覆盖最旧槽位
type klineRing struct {
	buf  []model.KlineBar
	head int // 下一个写入位置
	size int
}

func (r *klineRing) push(bar model.KlineBar) {
	if r.size > 0 {
		last := (r.head - 1 + len(r.buf)) % len(r.buf)
		if r.buf[last].OpenTime == bar.OpenTime {
			// 同一根 K 线的滚动更新，原地覆盖
			r.buf[last] = bar
			return
		}
	}
	r.buf[r.head] = bar
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// snapshot 按时间升序拷贝出全部有效 bar
func (r *klineRing) snapshot() []model.KlineBar {
	if r.size == 0 {
		return nil
	}
	out := make([]model.KlineBar, 0, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		bar := r.buf[(start+i)%len(r.buf)]
		if bar.OpenTime == 0 {
			// OpenTime 为 0 终止有效区间
			break
		}
		out = append(out, bar)
	}
	return out
}

// MarketStore 是 Ticker/K 线数据和脏位跟踪协议的唯一事实来源
//
// 并发模型：一个生产者上下文写入，一个或多个评估器各自持有独立引擎读取。
// 跨上下文协调只通过更新计数器和脏位双缓冲的原子操作完成；
// 槽位负载由每符号锁保护 (Go 没有良性数据竞争，原版的裸写在这里
// 收敛为细粒度锁，脏位语义不变)
type MarketStore struct {
	maxSymbols int

	// 符号表：追加式。索引分配的同时维护双向映射，绝不在热路径上重建
	symMu   sync.RWMutex
	names   []string
	indexOf map[string]int

	slots  []slot
	klines map[string][]klineRing // Key 是周期字符串，构造时固定

	updateCount atomic.Uint64

	// 脏位双缓冲：writeIdx 指向当前写目标，另一块要么正被排空要么已清零待命
	dirty    [2]*BitSet
	writeIdx atomic.Uint32

	// Ticker 限流状态，按符号名 Key
	rateMu      sync.Mutex
	lastAccept  map[string]time.Time
	minInterval time.Duration

	nowFn func() time.Time // 测试中可替换
}

// NewMarketStore 创建共享行情存储
// intervals 是允许写入的 K 线周期集合，klineCap 是每个 (symbol, interval) 的环形容量
func NewMarketStore(maxSymbols, klineCap int, intervals []string, tickerMinInterval time.Duration) *MarketStore {
	klines := make(map[string][]klineRing, len(intervals))
	for _, iv := range intervals {
		rings := make([]klineRing, maxSymbols)
		for i := range rings {
			rings[i].buf = make([]model.KlineBar, klineCap)
		}
		klines[iv] = rings
	}

	return &MarketStore{
		maxSymbols:  maxSymbols,
		names:       make([]string, 0, maxSymbols),
		indexOf:     make(map[string]int, maxSymbols),
		slots:       make([]slot, maxSymbols),
		klines:      klines,
		dirty:       [2]*BitSet{NewBitSet(maxSymbols), NewBitSet(maxSymbols)},
		lastAccept:  make(map[string]time.Time),
		minInterval: tickerMinInterval,
		nowFn:       time.Now,
	}
}

// ResolveIndex 返回符号索引，首次见到时分配
// 超出 MaxSymbols 返回 CapacityError，已有映射不受影响
func (s *MarketStore) ResolveIndex(name string) (int, error) {
	s.symMu.RLock()
	idx, ok := s.indexOf[name]
	s.symMu.RUnlock()
	if ok {
		return idx, nil
	}

	s.symMu.Lock()
	defer s.symMu.Unlock()
	// 双检：并发 resolve 同一个新符号
	if idx, ok := s.indexOf[name]; ok {
		return idx, nil
	}
	if len(s.names) >= s.maxSymbols {
		return -1, &model.CapacityError{Symbol: name, MaxSymbols: s.maxSymbols}
	}
	idx = len(s.names)
	s.names = append(s.names, name)
	s.indexOf[name] = idx
	return idx, nil
}

// SymbolIndex O(1) 名称查索引
func (s *MarketStore) SymbolIndex(name string) (int, bool) {
	s.symMu.RLock()
	defer s.symMu.RUnlock()
	idx, ok := s.indexOf[name]
	return idx, ok
}

// SymbolName O(1) 索引查名称
func (s *MarketStore) SymbolName(index int) (string, bool) {
	s.symMu.RLock()
	defer s.symMu.RUnlock()
	if index < 0 || index >= len(s.names) {
		return "", false
	}
	return s.names[index], true
}

// SymbolCount 返回已分配索引的符号数量
func (s *MarketStore) SymbolCount() int {
	s.symMu.RLock()
	defer s.symMu.RUnlock()
	return len(s.names)
}

// allowTicker 检查该符号的 Ticker 更新是否通过限流
// 被丢弃的更新不留任何痕迹；下一次被接受的更新总会置脏位，
// 变化信号只被合并，绝不丢失
func (s *MarketStore) allowTicker(name string) bool {
	if s.minInterval <= 0 {
		return true
	}
	now := s.nowFn()
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	if last, ok := s.lastAccept[name]; ok && now.Sub(last) < s.minInterval {
		return false
	}
	s.lastAccept[name] = now
	return true
}

// UpdateTicker 覆盖符号的 Ticker 槽位，置脏位并递增更新计数器
// 超过限流频率的调用被静默丢弃以约束抖动
func (s *MarketStore) UpdateTicker(t model.Ticker) error {
	if !s.allowTicker(t.Symbol) {
		return nil
	}
	idx, err := s.ResolveIndex(t.Symbol)
	if err != nil {
		return err
	}

	sl := &s.slots[idx]
	sl.mu.Lock()
	sl.ticker = t
	sl.mu.Unlock()

	s.markDirty(idx)
	return nil
}

// UpdateKline 追加/覆盖该符号对应周期的 K 线，置脏位并递增更新计数器
// 未在构造时声明的周期被忽略
func (s *MarketStore) UpdateKline(symbol, interval string, bar model.KlineBar) error {
	rings, ok := s.klines[interval]
	if !ok {
		return nil
	}
	idx, err := s.ResolveIndex(symbol)
	if err != nil {
		return err
	}

	sl := &s.slots[idx]
	sl.mu.Lock()
	rings[idx].push(bar)
	sl.mu.Unlock()

	s.markDirty(idx)
	return nil
}

// markDirty 先写当前写目标缓冲的脏位，再递增计数器
func (s *MarketStore) markDirty(index int) {
	s.dirty[s.writeIdx.Load()].Set(index)
	s.updateCount.Add(1)
}

// SwapBuffers 原子地把另一块缓冲指定为新写目标，返回刚冻结的读缓冲
//
// 单 swap 所有者约定：每个存储实例只有引擎这一个逻辑所有者调用本方法。
// 与 swap 并发的写者可能把位落在刚冻结的读缓冲里 (它在 store 之前读到了
// 旧的写目标下标)。因此排空方必须逐位消费 (读到即清该位)，而不是整块
// ClearAll：排空扫描漏掉的迟到位会留在缓冲里，下一轮该缓冲重新成为读
// 缓冲时被排空。变化信号最多延迟一个周期，绝不丢失
func (s *MarketStore) SwapBuffers() *BitSet {
	cur := s.writeIdx.Load()
	s.writeIdx.Store(1 - cur)
	return s.dirty[cur]
}

// Ticker 读取符号的快照。UpdateTime 为 0 表示尚无数据
func (s *MarketStore) Ticker(index int) (model.Ticker, bool) {
	if index < 0 || index >= s.maxSymbols {
		return model.Ticker{}, false
	}
	sl := &s.slots[index]
	sl.mu.RLock()
	t := sl.ticker
	sl.mu.RUnlock()
	return t, t.UpdateTime != 0
}

// Klines 按时间升序拷贝出该符号对应周期的全部有效 K 线
func (s *MarketStore) Klines(index int, interval string) []model.KlineBar {
	rings, ok := s.klines[interval]
	if !ok || index < 0 || index >= s.maxSymbols {
		return nil
	}
	sl := &s.slots[index]
	sl.mu.RLock()
	out := rings[index].snapshot()
	sl.mu.RUnlock()
	return out
}

// BarCount 返回该符号对应周期的有效 K 线数量
func (s *MarketStore) BarCount(index int, interval string) int {
	rings, ok := s.klines[interval]
	if !ok || index < 0 || index >= s.maxSymbols {
		return 0
	}
	sl := &s.slots[index]
	sl.mu.RLock()
	n := rings[index].size
	sl.mu.RUnlock()
	return n
}

// Intervals 返回构造时声明的全部周期
func (s *MarketStore) Intervals() []string {
	out := make([]string, 0, len(s.klines))
	for iv := range s.klines {
		out = append(out, iv)
	}
	return out
}

// UpdateCount 返回单调递增的更新计数器
// 只表达 "从计数 X 之后有变化"，不表达变化次数
func (s *MarketStore) UpdateCount() uint64 {
	return s.updateCount.Load()
}

// MaxSymbols 返回容量上限
func (s *MarketStore) MaxSymbols() int {
	return s.maxSymbols
}

// PruneRateLimiter 淘汰主条目已不存在的限流残留
// 由引擎的周期性维护调用
func (s *MarketStore) PruneRateLimiter() int {
	s.symMu.RLock()
	known := make(map[string]struct{}, len(s.names))
	for _, n := range s.names {
		known[n] = struct{}{}
	}
	s.symMu.RUnlock()

	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	pruned := 0
	for name := range s.lastAccept {
		if _, ok := known[name]; !ok {
			delete(s.lastAccept, name)
			pruned++
		}
	}
	return pruned
}

// Validate 校验缓冲区和符号表的一致性，恢复流程中使用
func (s *MarketStore) Validate() bool {
	if s.dirty[0] == nil || s.dirty[1] == nil {
		return false
	}
	if s.dirty[0].Len() != s.maxSymbols || s.dirty[1].Len() != s.maxSymbols {
		return false
	}
	s.symMu.RLock()
	defer s.symMu.RUnlock()
	return len(s.names) == len(s.indexOf)
}
