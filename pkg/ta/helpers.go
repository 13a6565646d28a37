// Package ta 是暴露给过滤器源码的指标助手库
// 过滤器通过 yaegi 符号表调用这些函数，输入都是按时间升序的 K 线序列
package ta

import (
	"github.com/markcheno/go-talib"

	"crypto-screener/internal/model"
)

// Closes 提取收盘价序列
func Closes(bars []model.KlineBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs 提取最高价序列
func Highs(bars []model.KlineBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows 提取最低价序列
func Lows(bars []model.KlineBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Volumes 提取成交量序列
func Volumes(bars []model.KlineBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// SMA 返回最新的简单移动平均值，历史不足返回 0
func SMA(bars []model.KlineBar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}
	result := talib.Sma(Closes(bars), period)
	return result[len(result)-1]
}

// EMA 返回最新的指数移动平均值，历史不足返回 0
func EMA(bars []model.KlineBar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}
	result := talib.Ema(Closes(bars), period)
	return result[len(result)-1]
}

// RSI 返回最新的相对强弱指数，历史不足返回 50 (中性)
func RSI(bars []model.KlineBar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 50
	}
	result := talib.Rsi(Closes(bars), period)
	return result[len(result)-1]
}

// MACD 返回最新的 MACD 值 (macd, signal, hist)，历史不足全部返回 0
func MACD(bars []model.KlineBar) (float64, float64, float64) {
	// talib Macd(12,26,9) 需要至少 26+9 根才有有效输出
	if len(bars) < 35 {
		return 0, 0, 0
	}
	macd, signal, hist := talib.Macd(Closes(bars), 12, 26, 9)
	n := len(macd) - 1
	return macd[n], signal[n], hist[n]
}

// BBands 返回最新的布林带上/中/下轨，历史不足全部返回 0
func BBands(bars []model.KlineBar, period int, dev float64) (float64, float64, float64) {
	if len(bars) < period || period <= 0 {
		return 0, 0, 0
	}
	up, mid, dn := talib.BBands(Closes(bars), period, dev, dev, talib.SMA)
	n := len(up) - 1
	return up[n], mid[n], dn[n]
}

// ATR 返回最新的平均真实波动范围，历史不足返回 0
func ATR(bars []model.KlineBar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 0
	}
	result := talib.Atr(Highs(bars), Lows(bars), Closes(bars), period)
	return result[len(result)-1]
}

// HighestHigh 返回最近 lookback 根 K 线的最高价
func HighestHigh(bars []model.KlineBar, lookback int) float64 {
	if len(bars) == 0 || lookback <= 0 {
		return 0
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	highest := bars[start].High
	for _, b := range bars[start+1:] {
		if b.High > highest {
			highest = b.High
		}
	}
	return highest
}

// LowestLow 返回最近 lookback 根 K 线的最低价
func LowestLow(bars []model.KlineBar, lookback int) float64 {
	if len(bars) == 0 || lookback <= 0 {
		return 0
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	lowest := bars[start].Low
	for _, b := range bars[start+1:] {
		if b.Low < lowest {
			lowest = b.Low
		}
	}
	return lowest
}

// VWAP 返回最近 lookback 根 K 线的成交量加权平均价
func VWAP(bars []model.KlineBar, lookback int) float64 {
	if len(bars) == 0 || lookback <= 0 {
		return 0
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	var pv, v float64
	for _, b := range bars[start:] {
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * b.Volume
		v += b.Volume
	}
	if v == 0 {
		return 0
	}
	return pv / v
}

// AvgVolume 返回最近 lookback 根 K 线的平均成交量
func AvgVolume(bars []model.KlineBar, lookback int) float64 {
	if len(bars) == 0 || lookback <= 0 {
		return 0
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, b := range bars[start:] {
		sum += b.Volume
	}
	return sum / float64(len(bars)-start)
}
