package registry

import (
	"context"
	"sort"
	"time"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/pkg/logger"
)

// Health thresholds over the most recent usage window.
const (
	healthWindow       = 100
	degradedErrorRate  = 0.10
	unhealthyErrorRate = 0.50
	degradedLatency    = time.Second
)

// ModelMetrics aggregates the usage and performance history of name.
func (m *ModelManager) ModelMetrics(name string) (models.ModelMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metricsLocked(name)
}

func (m *ModelManager) metricsLocked(name string) (models.ModelMetrics, bool) {
	meta, ok := m.models[name]
	if !ok {
		return models.ModelMetrics{}, false
	}

	out := models.ModelMetrics{Model: name, HealthStatus: string(meta.Deployment.Health)}

	usage := m.usage[name]
	var total time.Duration
	for _, u := range usage {
		out.Calls++
		if u.Success {
			out.Successes++
		}
		total += u.Latency
		if u.Timestamp.After(out.LastUsed) {
			out.LastUsed = u.Timestamp
		}
	}
	if out.Calls > 0 {
		out.SuccessRate = float64(out.Successes) / float64(out.Calls)
		out.AvgLatency = total / time.Duration(out.Calls)
	}

	perf := m.perf[name]
	out.Snapshots = len(perf)
	if n := len(perf); n > 0 {
		latest := perf[n-1]
		out.LatestPerf = &latest
		for _, p := range perf {
			out.AvgAccuracy += p.Accuracy
			out.AvgSharpe += p.Sharpe
			out.AvgWinRate += p.WinRate
		}
		out.AvgAccuracy /= float64(n)
		out.AvgSharpe /= float64(n)
		out.AvgWinRate /= float64(n)
	}
	return out, true
}

// GetModelComparison reports names side by side, or every model when names is empty.
// Unknown names are skipped.
func (m *ModelManager) GetModelComparison(names ...string) models.ModelComparison {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(names) == 0 {
		for n := range m.models {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	var cmp models.ModelComparison
	bestSharpe, bestRate := 0.0, 0.0
	for _, n := range names {
		met, ok := m.metricsLocked(n)
		if !ok {
			continue
		}
		meta := *m.models[n]
		cmp.Models = append(cmp.Models, meta)
		cmp.Metrics = append(cmp.Metrics, met)

		if met.Snapshots > 0 && (cmp.BestBySharpe == "" || meta.Performance.Sharpe > bestSharpe) {
			cmp.BestBySharpe, bestSharpe = n, meta.Performance.Sharpe
		}
		if met.Calls > 0 && (cmp.BestByUsage == "" || met.SuccessRate > bestRate) {
			cmp.BestByUsage, bestRate = n, met.SuccessRate
		}
	}
	return cmp
}

// RunHealthCheck derives deployment health from recent usage. Models with no
// usage keep their current health.
func (m *ModelManager) RunHealthCheck() map[string]models.DeploymentHealth {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]models.DeploymentHealth, len(m.models))
	for name, meta := range m.models {
		meta.Deployment.LastHealthCheck = now
		usage := m.usage[name]
		if len(usage) == 0 {
			out[name] = meta.Deployment.Health
			continue
		}
		if len(usage) > healthWindow {
			usage = usage[len(usage)-healthWindow:]
		}

		var failures int
		var total time.Duration
		for _, u := range usage {
			if !u.Success {
				failures++
			}
			total += u.Latency
		}
		errRate := float64(failures) / float64(len(usage))
		avgLatency := total / time.Duration(len(usage))

		h := models.HealthHealthy
		switch {
		case errRate > unhealthyErrorRate:
			h = models.HealthUnhealthy
		case errRate > degradedErrorRate || avgLatency > degradedLatency:
			h = models.HealthDegraded
		}
		m.setHealthLocked(meta, h, "usage window")
		out[name] = h
	}
	return out
}

// UpdateHealth applies an externally reported health observation.
func (m *ModelManager) UpdateHealth(report models.ModelHealthReport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.models[report.Model]
	if !ok {
		return false
	}
	ts := report.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	meta.Deployment.LastHealthCheck = ts
	m.setHealthLocked(meta, report.Health, report.Reason)
	return true
}

func (m *ModelManager) setHealthLocked(meta *models.ModelMeta, h models.DeploymentHealth, reason string) {
	if meta.Deployment.Health == h {
		return
	}
	m.log.Warn("model health changed",
		logger.String("model", meta.Name),
		logger.String("from", string(meta.Deployment.Health)),
		logger.String("to", string(h)),
		logger.String("reason", reason),
	)
	meta.Deployment.Health = h
}

// StartHealthLoop runs RunHealthCheck every interval until ctx is done.
func (m *ModelManager) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				res := m.RunHealthCheck()
				m.log.Debug("model health check", logger.Int("models", len(res)))
			}
		}
	}()
}
