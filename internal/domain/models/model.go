package models

import "time"

type TaskType string

const (
	TaskStrikeSelection     TaskType = "strike_selection"
	TaskEntryExit           TaskType = "entry_exit"
	TaskStrategyImprovement TaskType = "strategy_improvement"
)

type ModelStatus string

const (
	StatusActive     ModelStatus = "active"
	StatusDeprecated ModelStatus = "deprecated"
	StatusTesting    ModelStatus = "testing"
)

type DeploymentHealth string

const (
	HealthHealthy   DeploymentHealth = "healthy"
	HealthDegraded  DeploymentHealth = "degraded"
	HealthUnhealthy DeploymentHealth = "unhealthy"
)

// Performance is a point-in-time model quality snapshot.
type Performance struct {
	Accuracy    float64   `json:"accuracy"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
	Sharpe      float64   `json:"sharpe"`
	WinRate     float64   `json:"win_rate"`
	AvgReturn   float64   `json:"avg_return"`
	MaxDrawdown float64   `json:"max_drawdown"`
	RecordedAt  time.Time `json:"recorded_at"`
}

type Deployment struct {
	DeployedAt      time.Time        `json:"deployed_at"`
	Health          DeploymentHealth `json:"health"`
	LastHealthCheck time.Time        `json:"last_health_check"`
	Endpoint        string           `json:"endpoint,omitempty"`
}

// ModelMeta is registered once and never deleted.
type ModelMeta struct {
	Name        string      `json:"name" validate:"required"`
	Version     string      `json:"version" validate:"required"`
	Type        TaskType    `json:"type" validate:"oneof=strike_selection entry_exit strategy_improvement"`
	Status      ModelStatus `json:"status" validate:"oneof=active deprecated testing"`
	Description string      `json:"description,omitempty"`
	Performance Performance `json:"performance"`
	Deployment  Deployment  `json:"deployment"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// EnsembleMember is a weighted reference to a registered model.
type EnsembleMember struct {
	Model  string  `json:"model"`
	Weight float64 `json:"weight"`
}

type Ensemble struct {
	Name    string           `json:"name"`
	Members []EnsembleMember `json:"members"`
}

// UsageRecord is one scoring call.
type UsageRecord struct {
	Model     string        `json:"model"`
	Latency   time.Duration `json:"latency_ns"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// ModelMetrics aggregates usage telemetry for one model.
type ModelMetrics struct {
	Model        string        `json:"model"`
	Calls        int           `json:"calls"`
	Successes    int           `json:"successes"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`
	LastUsed     time.Time     `json:"last_used"`
	Snapshots    int           `json:"snapshots"`
	LatestPerf   *Performance  `json:"latest_performance,omitempty"`
	AvgAccuracy  float64       `json:"avg_accuracy"`
	AvgSharpe    float64       `json:"avg_sharpe"`
	AvgWinRate   float64       `json:"avg_win_rate"`
	HealthStatus string        `json:"health"`
}

// ModelComparison is an A/B view across models, deprecated ones included.
type ModelComparison struct {
	Models       []ModelMeta    `json:"models"`
	Metrics      []ModelMetrics `json:"metrics"`
	BestBySharpe string         `json:"best_by_sharpe,omitempty"`
	BestByUsage  string         `json:"best_by_success_rate,omitempty"`
}

// ModelHealthReport is an externally fed health observation.
type ModelHealthReport struct {
	Model     string           `json:"model" validate:"required"`
	Health    DeploymentHealth `json:"health" validate:"oneof=healthy degraded unhealthy"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
