package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// TurnStageStats summarizes the recent latencies of one chat turn stage:
// build_messages, completion or turn_total.
type TurnStageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// TurnStageSnapshot is served by /v1/perf/latency. Faults counts failed
// completions by fault kind since process start.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Faults      map[string]int   `json:"faults,omitempty"`
}

type turnStageWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
	last    map[string]float64
	faults  map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:    size,
		samples: make(map[string][]float64),
		last:    make(map[string]float64),
		faults:  make(map[string]int),
	}
}

// Observe records one latency and keeps only the newest size samples of
// the stage.
func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.samples[stage], ms)
	if len(buf) > w.size {
		buf = buf[len(buf)-w.size:]
	}
	w.samples[stage] = buf
	w.last[stage] = ms
}

func (w *turnStageWindow) ObserveFault(kind string) {
	if kind == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults[kind]++
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.samples)),
	}
	for stage, buf := range w.samples {
		sorted := append([]float64(nil), buf...)
		sort.Float64s(sorted)
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		snap.Stages = append(snap.Stages, TurnStageStats{
			Stage:   stage,
			Samples: len(sorted),
			LastMS:  round2(w.last[stage]),
			AvgMS:   round2(sum / float64(len(sorted))),
			P95MS:   round2(sorted[idx]),
			MaxMS:   round2(sorted[len(sorted)-1]),
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	if len(w.faults) > 0 {
		snap.Faults = make(map[string]int, len(w.faults))
		for k, v := range w.faults {
			snap.Faults[k] = v
		}
	}
	return snap
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
