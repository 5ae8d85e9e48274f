// Package config loads the operator-facing configuration for both the
// orchestrator replica and the node daemon from a single YAML document.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Heartbeat  Heartbeat  `yaml:"heartbeat"`
	Cache      Cache      `yaml:"cache"`
	Worker     Worker     `yaml:"worker"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	TLS        TLS        `yaml:"tls"`
	Peers      Peers      `yaml:"peers"`
	Pattern    Pattern    `yaml:"pattern"`
	Resources  Resources  `yaml:"resources"`
	Bus        Bus        `yaml:"bus"`
	Simulation Simulation `yaml:"simulation"`
}

// Heartbeat controls the fleet-liveness cadence shared by NodeRegistry,
// HeartbeatEmitter, and PeerCoordinator.
type Heartbeat struct {
	IntervalSeconds    float64 `yaml:"interval_seconds"`
	StaleMultiplier    float64 `yaml:"stale_multiplier"`
	EvictedMultiplier  float64 `yaml:"evicted_multiplier"`
	ReconcileIntervalS float64 `yaml:"reconcile_interval_seconds"`
}

type Cache struct {
	BudgetBytes int64 `yaml:"budget_bytes"`
	PrewarmOn   bool  `yaml:"prewarm_enabled"`
}

type Worker struct {
	DefaultTimeoutSeconds float64 `yaml:"default_timeout_seconds"`
	Backend               string  `yaml:"backend"` // "process" or "podman"
}

type RateLimit struct {
	TokensPerUserPerMinute int `yaml:"tokens_per_user_per_minute"`
}

type TLS struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

type Peers struct {
	Seeds []string `yaml:"seeds"`
}

type Pattern struct {
	MaxConcurrentJobsPerReplica int     `yaml:"max_concurrent_jobs_per_replica"`
	HandoffHighWatermark        float64 `yaml:"handoff_high_watermark"`
	HandoffPeerLowWatermark     float64 `yaml:"handoff_peer_low_watermark"`
	HandoffOfferWindowSeconds   float64 `yaml:"handoff_offer_window_seconds"`
	DefaultDPSensitivity        float64 `yaml:"default_dp_sensitivity"`
	PerNodeCostRate             float64 `yaml:"per_node_cost_rate"`
}

type Resources struct {
	CPUFraction      float64 `yaml:"cpu_fraction"`
	MemoryBytes      int64   `yaml:"memory_bytes"`
	AcceleratorSlots int     `yaml:"accelerator_slots"`
	MaxWorkers       int     `yaml:"max_workers"`
}

type Bus struct {
	JobsUpdatesTopic        string `yaml:"jobs_updates_topic"`
	JobsCancelTopic         string `yaml:"jobs_cancel_topic"`
	NodesHeartbeatTopic     string `yaml:"nodes_heartbeat_topic"`
	OrchestratorHeartbeat   string `yaml:"orchestrator_heartbeat_topic"`
	OrchestratorHandoff     string `yaml:"orchestrator_handoff_topic"`
	ResultsReadyTopic       string `yaml:"results_ready_topic"`
}

// Simulation carries the clock-scale knob the teacher's test harness relies
// on; production deployments leave it at 1.0.
type Simulation struct {
	TimeScale float64 `yaml:"time_scale"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Heartbeat.IntervalSeconds <= 0 {
		c.Heartbeat.IntervalSeconds = 10
	}
	if c.Heartbeat.StaleMultiplier <= 0 {
		c.Heartbeat.StaleMultiplier = 3
	}
	if c.Heartbeat.EvictedMultiplier <= 0 {
		c.Heartbeat.EvictedMultiplier = 10
	}
	if c.Heartbeat.ReconcileIntervalS <= 0 {
		c.Heartbeat.ReconcileIntervalS = 10
	}
	if c.Cache.BudgetBytes <= 0 {
		c.Cache.BudgetBytes = 4 << 30 // 4 GiB
	}
	if c.Worker.DefaultTimeoutSeconds <= 0 {
		c.Worker.DefaultTimeoutSeconds = 120
	}
	if c.Worker.Backend == "" {
		c.Worker.Backend = "process"
	}
	if c.RateLimit.TokensPerUserPerMinute <= 0 {
		c.RateLimit.TokensPerUserPerMinute = 60
	}
	if c.Pattern.MaxConcurrentJobsPerReplica <= 0 {
		c.Pattern.MaxConcurrentJobsPerReplica = 64
	}
	if c.Pattern.HandoffHighWatermark <= 0 {
		c.Pattern.HandoffHighWatermark = 0.8
	}
	if c.Pattern.HandoffPeerLowWatermark <= 0 {
		c.Pattern.HandoffPeerLowWatermark = 0.5
	}
	if c.Pattern.HandoffOfferWindowSeconds <= 0 {
		c.Pattern.HandoffOfferWindowSeconds = 2
	}
	if c.Pattern.DefaultDPSensitivity <= 0 {
		c.Pattern.DefaultDPSensitivity = 1.0
	}
	if c.Resources.CPUFraction <= 0 {
		c.Resources.CPUFraction = 1.0
	}
	if c.Resources.MemoryBytes <= 0 {
		c.Resources.MemoryBytes = 8 << 30
	}
	if c.Resources.AcceleratorSlots <= 0 {
		c.Resources.AcceleratorSlots = 1
	}
	if c.Resources.MaxWorkers <= 0 {
		c.Resources.MaxWorkers = 8
	}
	if c.Bus.JobsUpdatesTopic == "" {
		c.Bus.JobsUpdatesTopic = "jobs.updates"
	}
	if c.Bus.JobsCancelTopic == "" {
		c.Bus.JobsCancelTopic = "jobs.cancel"
	}
	if c.Bus.NodesHeartbeatTopic == "" {
		c.Bus.NodesHeartbeatTopic = "nodes.heartbeat"
	}
	if c.Bus.OrchestratorHeartbeat == "" {
		c.Bus.OrchestratorHeartbeat = "orchestrator.heartbeat"
	}
	if c.Bus.OrchestratorHandoff == "" {
		c.Bus.OrchestratorHandoff = "orchestrator.handoff"
	}
	if c.Bus.ResultsReadyTopic == "" {
		c.Bus.ResultsReadyTopic = "results.ready"
	}
	if c.Simulation.TimeScale <= 0 {
		c.Simulation.TimeScale = 1.0
	}
}
