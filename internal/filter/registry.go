// Package filter 管理每个 trader 的过滤器谓词：编译、持有、淘汰
package filter

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"crypto-screener/internal/model"
	"crypto-screener/internal/service"
)

// Predicate 是过滤器的执行契约
// 实现必须捕获内部的运行时异常：任何失败都以 error 返回，
// 由调用方按 "该符号本周期不命中" 处理，绝不中断整个周期
type Predicate interface {
	Evaluate(snap *model.Snapshot) (bool, error)
}

// Compiler 是可插拔的谓词编译器 (本地 yaegi / 测试桩)
type Compiler interface {
	Compile(code string) (Predicate, error)
}

// entry 持有一个 trader 的定义和已编译谓词
// predicate 为 nil 表示惰性状态：编译失败或被淘汰，评估周期跳过
type entry struct {
	trader    model.TraderFilter
	predicate Predicate
	lastUsed  time.Time
}

// Registry 按 traderID 持有每个 trader 的唯一存活谓词
// 谓词在移除或源码变更时释放引用，保证陈旧闭包可被回收
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	compiler    Compiler
	remote      *RemoteExecutor
	maxCompiled int

	compileCount atomic.Int64 // 累计编译次数，幂等性测试的观测点
	evictions    atomic.Int64
}

// NewRegistry 创建过滤器注册表
func NewRegistry(compiler Compiler, remote *RemoteExecutor, maxCompiled int) *Registry {
	if maxCompiled <= 0 {
		maxCompiled = 100
	}
	return &Registry{
		entries:     make(map[string]*entry),
		compiler:    compiler,
		remote:      remote,
		maxCompiled: maxCompiled,
	}
}

// AddOrUpdate 注册或更新一个 trader
//   - 源码 + 周期 + 刷新间隔字节级相同：幂等 no-op，不重编译
//   - 仅元数据变化：原地更新，不重编译
//   - 源码变化：重新编译并替换旧谓词；编译失败返回 CompileError，
//     trader 保持注册但没有谓词 (周期被跳过，不崩溃)
//
// 执行策略在注册时一次性确定：Language=remote 走远程执行服务，
// 其余走本地编译，不会按符号重新决策
func (r *Registry) AddOrUpdate(trader model.TraderFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[trader.TraderID]; ok {
		if existing.trader.SameCode(&trader) && existing.trader.Language == trader.Language {
			// 幂等重复提交：只同步使能状态
			existing.trader.Enabled = trader.Enabled
			return nil
		}
		if existing.trader.FilterCode == trader.FilterCode && existing.trader.Language == trader.Language {
			// 仅元数据变化，保留已编译谓词
			existing.trader = trader
			return nil
		}
	}

	ent := &entry{trader: trader, lastUsed: time.Now()}

	if trader.Language == "remote" {
		ent.predicate = r.remote.Predicate(trader.TraderID, trader.RemoteEndpoint)
	} else {
		pred, err := r.compile(trader)
		if err != nil {
			// 编译失败：注册为惰性条目
			r.entries[trader.TraderID] = ent
			return &model.CompileError{TraderID: trader.TraderID, Err: err}
		}
		ent.predicate = pred
	}

	r.entries[trader.TraderID] = ent
	r.enforceCeilingLocked()
	return nil
}

func (r *Registry) compile(trader model.TraderFilter) (Predicate, error) {
	r.compileCount.Add(1)
	return r.compiler.Compile(trader.FilterCode)
}

// Remove 移除 trader 并丢弃其谓词引用
func (r *Registry) Remove(traderID string) {
	r.mu.Lock()
	delete(r.entries, traderID)
	r.mu.Unlock()
}

// Get 返回 trader 定义和谓词。谓词可能为 nil (惰性)
func (r *Registry) Get(traderID string) (model.TraderFilter, Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[traderID]
	if !ok {
		return model.TraderFilter{}, nil, false
	}
	return ent.trader, ent.predicate, true
}

// Touch 记录一次访问，LRU 淘汰的依据
func (r *Registry) Touch(traderID string) {
	r.mu.Lock()
	if ent, ok := r.entries[traderID]; ok {
		ent.lastUsed = time.Now()
	}
	r.mu.Unlock()
}

// Active 返回所有持有存活谓词且使能的 trader，快照语义
func (r *Registry) Active() []model.TraderFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.TraderFilter, 0, len(r.entries))
	for _, ent := range r.entries {
		if ent.predicate != nil && ent.trader.Enabled {
			out = append(out, ent.trader)
		}
	}
	return out
}

// Count 返回注册的 trader 总数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CompiledCount 返回驻留谓词数量
func (r *Registry) CompiledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ent := range r.entries {
		if ent.predicate != nil {
			n++
		}
	}
	return n
}

// CompileCount 返回累计编译次数
func (r *Registry) CompileCount() int64 {
	return r.compileCount.Load()
}

// Evictions 返回累计谓词淘汰次数
func (r *Registry) Evictions() int64 {
	return r.evictions.Load()
}

// Clear 释放全部条目，关停时调用
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
}

// enforceCeilingLocked 把驻留谓词数量压回上限
// 先淘汰禁用 trader 的谓词 (LRU 顺序)；只要还有禁用的可淘汰，
// 使能的 trader 绝不被淘汰。被淘汰的条目保留定义，谓词置 nil
func (r *Registry) enforceCeilingLocked() {
	over := r.residentLocked() - r.maxCompiled
	if over <= 0 {
		return
	}

	type candidate struct {
		id       string
		lastUsed time.Time
	}
	var disabled, enabled []candidate
	for id, ent := range r.entries {
		if ent.predicate == nil {
			continue
		}
		c := candidate{id: id, lastUsed: ent.lastUsed}
		if ent.trader.Enabled {
			enabled = append(enabled, c)
		} else {
			disabled = append(disabled, c)
		}
	}
	sort.Slice(disabled, func(i, j int) bool { return disabled[i].lastUsed.Before(disabled[j].lastUsed) })
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].lastUsed.Before(enabled[j].lastUsed) })

	victims := append(disabled, enabled...)
	for _, v := range victims {
		if over <= 0 {
			break
		}
		r.entries[v.id].predicate = nil
		r.evictions.Add(1)
		over--
		service.Logger.Warn("Compiled filter evicted (ceiling reached)",
			zap.String("trader_id", v.id), zap.Int("max_compiled", r.maxCompiled))
	}
}

func (r *Registry) residentLocked() int {
	n := 0
	for _, ent := range r.entries {
		if ent.predicate != nil {
			n++
		}
	}
	return n
}
