// Package store 实现共享行情存储和脏位跟踪协议。
// 跨 goroutine 协调只依赖原子操作 (更新计数器 + 脏位双缓冲)，不加全局锁。
package store

import "sync/atomic"

const bitsPerWord = 32

// BitSet 是固定长度的原子位标记数组
// 生产者在任意 goroutine 并发 Set，评估器在排空后整体读取
type BitSet struct {
	words   []atomic.Uint32
	maxBits int
}

// NewBitSet 创建容量为 maxBits 的位集
func NewBitSet(maxBits int) *BitSet {
	if maxBits <= 0 {
		maxBits = 1
	}
	nWords := (maxBits + bitsPerWord - 1) / bitsPerWord
	return &BitSet{
		words:   make([]atomic.Uint32, nWords),
		maxBits: maxBits,
	}
}

// Set 置位。越界的 index 是 no-op
func (b *BitSet) Set(index int) {
	if index < 0 || index >= b.maxBits {
		return
	}
	word := &b.words[index/bitsPerWord]
	mask := uint32(1) << uint(index%bitsPerWord)
	for {
		old := word.Load()
		if old&mask != 0 || word.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Clear 清位。越界的 index 是 no-op
func (b *BitSet) Clear(index int) {
	if index < 0 || index >= b.maxBits {
		return
	}
	word := &b.words[index/bitsPerWord]
	mask := uint32(1) << uint(index%bitsPerWord)
	for {
		old := word.Load()
		if old&mask == 0 || word.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// IsSet 原子读取指定位
func (b *BitSet) IsSet(index int) bool {
	if index < 0 || index >= b.maxBits {
		return false
	}
	return b.words[index/bitsPerWord].Load()&(1<<uint(index%bitsPerWord)) != 0
}

// ClearAll 将所有字清零，用于把缓冲区回收为下一个写目标
func (b *BitSet) ClearAll() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// SetIndices 升序返回所有置位的下标
// 线性扫描 O(maxBits)：符号总量只有几百，远小于读取频率，无需 popcount 优化
func (b *BitSet) SetIndices() []int {
	var indices []int
	for w := range b.words {
		word := b.words[w].Load()
		if word == 0 {
			continue
		}
		base := w * bitsPerWord
		for bit := 0; bit < bitsPerWord; bit++ {
			if word&(1<<uint(bit)) != 0 {
				idx := base + bit
				if idx < b.maxBits {
					indices = append(indices, idx)
				}
			}
		}
	}
	return indices
}

// DrainIndices 升序返回所有置位下标，并在返回前清掉读到的位
// 排空协议要求逐位消费：扫描之后才置上的迟到位保留在缓冲里，
// 等该缓冲下一轮成为读缓冲时再被排空
func (b *BitSet) DrainIndices() []int {
	indices := b.SetIndices()
	for _, idx := range indices {
		b.Clear(idx)
	}
	return indices
}

// Len 返回位集容量
func (b *BitSet) Len() int {
	return b.maxBits
}
