package screener

import (
	"sync"

	"crypto-screener/internal/model"
)

// Differ 比较每个 trader 当前周期输出和上一周期输出，只向下游
// 发送增量。trader 的首个周期没有可比对象，全量输出 (IsDelta=false)
type Differ struct {
	mu   sync.Mutex
	prev map[string]model.ScreenResult
}

// NewDiffer 创建结果差分器
func NewDiffer() *Differ {
	return &Differ{prev: make(map[string]model.ScreenResult)}
}

// Diff 计算相对上一周期的增量
// 返回 nil 表示 "本周期无可上报内容" (added/removed/signals 全空)。
// 无论是否上报，当前结果都会存为新的上一周期结果
func (d *Differ) Diff(cur model.ScreenResult) *model.ResultDelta {
	d.mu.Lock()
	prev, ok := d.prev[cur.TraderID]
	d.prev[cur.TraderID] = cur
	d.mu.Unlock()

	if !ok {
		// 首周期：全量输出，即使为空也要发出，让消费层建立基线
		return &model.ResultDelta{
			TraderID: cur.TraderID,
			Added:    cur.Matches,
			Removed:  nil,
			Signals:  cur.Signals,
			IsDelta:  false,
			Cycle:    cur.Cycle,
		}
	}

	prevSet := make(map[string]struct{}, len(prev.Matches))
	for _, s := range prev.Matches {
		prevSet[s] = struct{}{}
	}
	curSet := make(map[string]struct{}, len(cur.Matches))
	for _, s := range cur.Matches {
		curSet[s] = struct{}{}
	}

	var added, removed []string
	for _, s := range cur.Matches {
		if _, ok := prevSet[s]; !ok {
			added = append(added, s)
		}
	}
	for _, s := range prev.Matches {
		if _, ok := curSet[s]; !ok {
			removed = append(removed, s)
		}
	}

	if len(added) == 0 && len(removed) == 0 && len(cur.Signals) == 0 {
		return nil
	}

	return &model.ResultDelta{
		TraderID: cur.TraderID,
		Added:    added,
		Removed:  removed,
		Signals:  cur.Signals,
		IsDelta:  true,
		Cycle:    cur.Cycle,
	}
}

// Forget 丢弃某个 trader 的上一周期结果
// 该 trader 的下一个周期将按首周期处理 (全量输出)
func (d *Differ) Forget(traderID string) {
	d.mu.Lock()
	delete(d.prev, traderID)
	d.mu.Unlock()
}

// Clear 丢弃全部历史，关停时调用
func (d *Differ) Clear() {
	d.mu.Lock()
	d.prev = make(map[string]model.ScreenResult)
	d.mu.Unlock()
}

// Len 返回持有历史的 trader 数量
func (d *Differ) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.prev)
}
