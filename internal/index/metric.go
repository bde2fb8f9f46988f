package index

import (
	"fmt"
	"math"
)

// Metric 是索引创建时确定的距离度量，持久化后不可更改。
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// ParseMetric 解析配置中的度量名称，空字符串视为 cosine。
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	}
	return "", fmt.Errorf("unknown index metric %q", s)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// score 返回越大越相似的分数。cosine 为余弦相似度，l2 为 1/(1+欧氏距离)。
func (m Metric) score(q []float32, qNorm float64, v []float32, vNorm float64) float64 {
	switch m {
	case MetricL2:
		var d float64
		for i := range q {
			diff := float64(q[i]) - float64(v[i])
			d += diff * diff
		}
		return 1 / (1 + math.Sqrt(d))
	default:
		if qNorm == 0 || vNorm == 0 {
			return 0
		}
		var dot float64
		for i := range q {
			dot += float64(q[i]) * float64(v[i])
		}
		return dot / (qNorm * vNorm)
	}
}
