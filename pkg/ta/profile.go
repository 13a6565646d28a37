package ta

import (
	"sort"

	"crypto-screener/internal/model"
)

const (
	// 成交量分布的价格分桶数量
	profileBuckets = 24
	// 默认返回的高量节点数量
	defaultTopNodes = 5
)

// VolumeNodes 从 K 线序列推导高量价节点
// 按典型价 (H+L+C)/3 把成交量分到固定数量的价格桶里，
// 返回累计成交量最大的前 topN 个桶，按成交量降序
func VolumeNodes(bars []model.KlineBar, topN int) []model.PriceNode {
	if len(bars) == 0 {
		return nil
	}
	if topN <= 0 {
		topN = defaultTopNodes
	}

	minPrice := bars[0].Low
	maxPrice := bars[0].High
	for _, b := range bars[1:] {
		if b.Low < minPrice {
			minPrice = b.Low
		}
		if b.High > maxPrice {
			maxPrice = b.High
		}
	}
	if maxPrice <= minPrice {
		// 价格全程未动，整个区间就是唯一节点
		var total float64
		for _, b := range bars {
			total += b.Volume
		}
		return []model.PriceNode{{Price: minPrice, Volume: total}}
	}

	bucketWidth := (maxPrice - minPrice) / profileBuckets
	volumes := make([]float64, profileBuckets)
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		bucket := int((typical - minPrice) / bucketWidth)
		if bucket >= profileBuckets {
			bucket = profileBuckets - 1
		}
		if bucket < 0 {
			bucket = 0
		}
		volumes[bucket] += b.Volume
	}

	nodes := make([]model.PriceNode, 0, profileBuckets)
	for i, v := range volumes {
		if v == 0 {
			continue
		}
		nodes = append(nodes, model.PriceNode{
			Price:  minPrice + bucketWidth*(float64(i)+0.5),
			Volume: v,
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Volume > nodes[j].Volume })
	if len(nodes) > topN {
		nodes = nodes[:topN]
	}
	return nodes
}

// NearestNode 返回距离 price 最近的节点，没有节点时 ok=false
func NearestNode(nodes []model.PriceNode, price float64) (model.PriceNode, bool) {
	if len(nodes) == 0 {
		return model.PriceNode{}, false
	}
	best := nodes[0]
	bestDist := abs(price - best.Price)
	for _, n := range nodes[1:] {
		if d := abs(price - n.Price); d < bestDist {
			best = n
			bestDist = d
		}
	}
	return best, true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
