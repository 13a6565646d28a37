package screener

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// traderState 是单个 trader 的匹配状态：上一周期满足过滤器的符号集合
type traderState struct {
	matches    map[string]struct{}
	lastAccess time.Time
}

// stateCache 按 traderID 缓存匹配状态，带 LRU 上限
// 淘汰只丢历史不丢正确性：被淘汰的 trader 下一个周期按首周期处理，
// 全量输出一次
type stateCache struct {
	mu        sync.Mutex
	states    map[string]*traderState
	maxSize   int
	evictions atomic.Int64
}

func newStateCache(maxSize int) *stateCache {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &stateCache{
		states:  make(map[string]*traderState),
		maxSize: maxSize,
	}
}

// Get 返回 trader 上一周期的匹配集合拷贝
func (c *stateCache) Get(traderID string) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[traderID]
	if !ok {
		return nil
	}
	st.lastAccess = time.Now()
	out := make(map[string]struct{}, len(st.matches))
	for s := range st.matches {
		out[s] = struct{}{}
	}
	return out
}

// Put 存入 trader 本周期完成后的匹配集合
func (c *stateCache) Put(traderID string, matches map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[traderID] = &traderState{matches: matches, lastAccess: time.Now()}
}

// EvictOver 把条目数压回上限，按最久未访问顺序淘汰
// 返回被淘汰的 traderID，调用方负责同步丢弃差分历史
func (c *stateCache) EvictOver() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	over := len(c.states) - c.maxSize
	if over <= 0 {
		return nil
	}

	type candidate struct {
		id         string
		lastAccess time.Time
	}
	candidates := make([]candidate, 0, len(c.states))
	for id, st := range c.states {
		candidates = append(candidates, candidate{id: id, lastAccess: st.lastAccess})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	evicted := make([]string, 0, over)
	for i := 0; i < over; i++ {
		delete(c.states, candidates[i].id)
		evicted = append(evicted, candidates[i].id)
		c.evictions.Add(1)
	}
	return evicted
}

// Forget 移除单个 trader 的状态
func (c *stateCache) Forget(traderID string) {
	c.mu.Lock()
	delete(c.states, traderID)
	c.mu.Unlock()
}

// Clear 清空全部状态，关停时调用
func (c *stateCache) Clear() {
	c.mu.Lock()
	c.states = make(map[string]*traderState)
	c.mu.Unlock()
}

// Len 返回驻留条目数
func (c *stateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

// Evictions 返回累计淘汰次数
func (c *stateCache) Evictions() int64 {
	return c.evictions.Load()
}
