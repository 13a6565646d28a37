package model

import "fmt"

// CapacityError 表示符号数量超出 MaxSymbols 容量
// 对该存储实例是致命的配置错误，已有映射保持不变
type CapacityError struct {
	Symbol     string
	MaxSymbols int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("symbol capacity exceeded: cannot register %q, max %d symbols", e.Symbol, e.MaxSymbols)
}

// CompileError 表示某个 trader 的过滤器源码无法编译
// 只影响该 trader：它保持注册但没有可执行谓词，评估周期被跳过
type CompileError struct {
	TraderID string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("filter compile failed for trader %s: %v", e.TraderID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }
