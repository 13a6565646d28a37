package service

import (
	"fmt"
	"time"
)

// 将 K 线周期字符串解析为 time.Duration
// 例如 "1m" -> 1*time.Minute
func ParseIntervalDuration(s string) (time.Duration, error) {
	// 简单的解析逻辑，匹配末尾的 'm', 'h', 'd' 等
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval format: %s", s)
	}

	unit := s[len(s)-1:]
	valueStr := s[:len(s)-1]

	var unitDuration time.Duration
	switch unit {
	case "m":
		unitDuration = time.Minute
	case "h":
		unitDuration = time.Hour
	case "d":
		unitDuration = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported interval unit: %s", unit)
	}

	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval value: %s", valueStr)
	}

	return time.Duration(value) * unitDuration, nil
}

// LongestInterval 返回一组周期字符串里跨度最长的那个
// 用于选择推导衍生特征 (如高量价节点) 的基准周期
func LongestInterval(intervals []string) string {
	longest := ""
	var longestDur time.Duration
	for _, iv := range intervals {
		d, err := ParseIntervalDuration(iv)
		if err != nil {
			continue
		}
		if d > longestDur {
			longestDur = d
			longest = iv
		}
	}
	return longest
}
