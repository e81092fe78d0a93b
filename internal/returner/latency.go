package returner

import (
	"sort"
	"time"

	"yqhp/dispatch-engine/pkg/types"
)

// latencyFrom derives reply-latency percentiles for a finished job from its
// stored rows. Each reply's latency is receipt time minus submit time. Only
// terminal jobs carry stats; an in-flight report would understate them.
func latencyFrom(rec *types.JobRecord, replies []*types.Reply) *types.LatencyStat {
	if !rec.Status.Terminal() || len(replies) == 0 {
		return nil
	}

	durations := make([]time.Duration, 0, len(replies))
	for _, r := range replies {
		d := r.ReceivedAt.Sub(rec.CreatedAt)
		if d < 0 {
			d = 0
		}
		durations = append(durations, d)
	}
	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	return &types.LatencyStat{
		Count: int64(len(durations)),
		P50:   percentile(durations, 50),
		P95:   percentile(durations, 95),
		P99:   percentile(durations, 99),
		Max:   durations[len(durations)-1],
	}
}

// percentile 使用最近秩方法计算已排序样本的第 p 百分位数。
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	index := (p * len(sorted)) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
