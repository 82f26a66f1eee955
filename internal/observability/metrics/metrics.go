package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	invocations map[string]uint64
	latency     map[string]*histogram
	discoveries map[string]uint64
	episodes    map[string]uint64
	rewardSum   float64
	steps       uint64
}

var defaultCollector = newCollector()

func newCollector() *collector {
	return &collector{
		invocations: make(map[string]uint64),
		latency:     make(map[string]*histogram),
		discoveries: make(map[string]uint64),
		episodes:    make(map[string]uint64),
	}
}

// ObserveSkillInvocation records one sandbox run. outcome is "ok" or the
// failure kind.
func ObserveSkillInvocation(outcome string, duration time.Duration) {
	defaultCollector.observeInvocation(outcome, duration)
}

// ObserveStep records one explorer step and the reward it earned.
func ObserveStep(reward float64) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps++
	c.rewardSum += reward
}

// ObserveDiscovery counts a first-time protocol discovery per project.
func ObserveDiscovery(project string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveries[project]++
}

// ObserveEpisode counts a finished episode by its termination reason.
func ObserveEpisode(reason string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.episodes[reason]++
}

func (c *collector) observeInvocation(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invocations[outcome]++
	hist := c.latency[outcome]
	if hist == nil {
		hist = newHistogram()
		c.latency[outcome] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Values above the last bucket only show up in +Inf via count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP voyager_skill_invocations_total Skill invocations by outcome.\n")
	b.WriteString("# TYPE voyager_skill_invocations_total counter\n")
	for _, outcome := range sortedKeys(c.invocations) {
		fmt.Fprintf(&b, "voyager_skill_invocations_total{outcome=\"%s\"} %d\n", escape(outcome), c.invocations[outcome])
	}

	b.WriteString("# HELP voyager_skill_duration_seconds Skill invocation wall time in seconds.\n")
	b.WriteString("# TYPE voyager_skill_duration_seconds histogram\n")
	for _, outcome := range sortedKeys(c.latency) {
		h := c.latency[outcome]
		label := escape(outcome)
		for idx, bound := range h.buckets {
			fmt.Fprintf(&b, "voyager_skill_duration_seconds_bucket{outcome=\"%s\",le=\"%s\"} %d\n", label, formatFloat(bound), h.counts[idx])
		}
		fmt.Fprintf(&b, "voyager_skill_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", label, h.count)
		fmt.Fprintf(&b, "voyager_skill_duration_seconds_sum{outcome=\"%s\"} %s\n", label, formatFloat(h.sum))
		fmt.Fprintf(&b, "voyager_skill_duration_seconds_count{outcome=\"%s\"} %d\n", label, h.count)
	}

	b.WriteString("# HELP voyager_discoveries_total First-time protocol discoveries by project.\n")
	b.WriteString("# TYPE voyager_discoveries_total counter\n")
	for _, project := range sortedKeys(c.discoveries) {
		fmt.Fprintf(&b, "voyager_discoveries_total{project=\"%s\"} %d\n", escape(project), c.discoveries[project])
	}

	b.WriteString("# HELP voyager_episodes_total Finished episodes by termination reason.\n")
	b.WriteString("# TYPE voyager_episodes_total counter\n")
	for _, reason := range sortedKeys(c.episodes) {
		fmt.Fprintf(&b, "voyager_episodes_total{reason=\"%s\"} %d\n", escape(reason), c.episodes[reason])
	}

	b.WriteString("# HELP voyager_steps_total Explorer steps taken.\n")
	b.WriteString("# TYPE voyager_steps_total counter\n")
	fmt.Fprintf(&b, "voyager_steps_total %d\n", c.steps)
	b.WriteString("# HELP voyager_reward_total Sum of attributed rewards.\n")
	b.WriteString("# TYPE voyager_reward_total counter\n")
	fmt.Fprintf(&b, "voyager_reward_total %s\n", formatFloat(c.rewardSum))

	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer serves /metrics on addr until ctx is done.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
