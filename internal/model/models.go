package model

import "time"

// Ticker 代表单个交易对的最新行情快照
// 每个符号在共享存储中占用一个固定槽位，更新时整体覆盖
type Ticker struct {
	Symbol           string  // 所属交易对，例如 "BTCUSDT"
	LastPrice        float64 // 最新成交价
	OpenPrice        float64 // 24h 开盘价
	HighPrice        float64 // 24h 最高价
	LowPrice         float64 // 24h 最低价
	Volume           float64 // 24h 成交量 (基础币)
	QuoteVolume      float64 // 24h 成交额 (计价币)
	PriceChangePct   float64 // 24h 涨跌幅 (百分比)
	PriceChange      float64 // 24h 涨跌额
	WeightedAvgPrice float64 // 加权平均价
	UpdateTime       int64   // 毫秒时间戳；0 表示该槽位尚无数据
}

// KlineBar 代表一根 K 线
// OpenTime 为 0 表示环形窗口中该槽位为空
type KlineBar struct {
	OpenTime int64 // 毫秒时间戳
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// PriceNode 是从 K 线推导出的高量价节点 (成交量分布中的峰值价位)
type PriceNode struct {
	Price  float64 // 节点中心价
	Volume float64 // 该价位区间累计成交量
}

// Snapshot 是传给过滤器的单符号评估上下文
// 过滤器只读，不得修改其中数据
type Snapshot struct {
	Symbol      string
	Ticker      Ticker
	Klines      map[string][]KlineBar // Key 是周期字符串，只包含 trader 声明的 Timeframes
	VolumeNodes []PriceNode           // 由最长周期推导的高量价节点
	Timestamp   time.Time
}

// TraderFilter 描述一个 trader 的过滤器定义
type TraderFilter struct {
	TraderID        string
	FilterCode      string        // 过滤器源码
	Timeframes      []string      // 需要的 K 线周期
	RefreshInterval time.Duration // 元数据：期望刷新间隔，变更不触发重编译
	Language        string        // "go" 本地执行 / "remote" 远程执行
	RemoteEndpoint  string        // Language=remote 时的服务地址
	Enabled         bool
}

// SameCode 判断两次提交是否字节级相同 (源码 + 周期 + 刷新间隔)
// 相同的重复提交必须是幂等 no-op，不得触发第二次编译
func (t *TraderFilter) SameCode(other *TraderFilter) bool {
	if t.FilterCode != other.FilterCode || t.RefreshInterval != other.RefreshInterval {
		return false
	}
	if len(t.Timeframes) != len(other.Timeframes) {
		return false
	}
	for i := range t.Timeframes {
		if t.Timeframes[i] != other.Timeframes[i] {
			return false
		}
	}
	return true
}

// Signal 是一次新命中 (上个周期不满足、本周期满足) 的记录
type Signal struct {
	ID          string    // uuid
	TraderID    string
	Symbol      string
	Price       float64   // 触发时的最新价
	Volume      float64   // 触发时的 24h 成交额
	TriggeredAt time.Time
}

// ScreenResult 是引擎单周期内某个 trader 的完整输出
type ScreenResult struct {
	TraderID string
	Matches  []string // 当前满足过滤器的全部符号 (升序)
	Signals  []Signal // 本周期的新命中
	Cycle    uint64
}

// ResultDelta 是差分后交给消费层的增量结果
// IsDelta=false 表示首周期全量输出
type ResultDelta struct {
	TraderID string
	Added    []string
	Removed  []string
	Signals  []Signal
	IsDelta  bool
	Cycle    uint64
}

// ErrorEvent 是通过 onError 回调上报的咨询性错误
type ErrorEvent struct {
	Context    string // 发生位置，如 "filter_exec", "remote_exec"
	TraderID   string
	Symbol     string
	Message    string
	ErrorCount int // 最近一分钟窗口内的累计错误数
	Timestamp  time.Time
}

// MemoryStats 是通过 onMemoryStats 回调上报的遥测数据，可安全忽略
type MemoryStats struct {
	TraderStates    int   // 驻留的 trader 匹配状态数
	CompiledFilters int   // 驻留的已编译过滤器数
	CacheEvictions  int64 // 累计 LRU 淘汰次数
	HeapEstimate    int64 // 粗略内存估算 (字节)
	Timestamp       time.Time
}

// Status 是 RequestStatus 的返回值
type Status struct {
	State           string
	TraderCount     int
	SymbolCount     int
	LastUpdateCount uint64
	CompiledFilters int
	MemoryEstimate  int64
}
