// Package config loads the Storage Container Manager's YAML
// configuration file (§6 "Configuration surface") and applies cobra
// flag overrides on top of it, following the same
// read-file-then-unmarshal shape cmd/warren's apply command uses for
// its own YAML resources.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// SafeMode is the safe_mode.* subsection of the configuration surface.
type SafeMode struct {
	Enabled                   bool    `yaml:"enabled"`
	MinDatanodes              int     `yaml:"min_datanodes"`
	ContainerThreshold        float64 `yaml:"container_threshold"`
	PipelineAvailabilityCheck bool    `yaml:"pipeline_availability_check"`
}

// Config is the full recognized configuration surface from §6, plus
// the bootstrap fields (data directory, raft bind address, peers, TLS
// paths) needed to stand up a replica that the spec's external-facing
// surface leaves to deployment tooling.
type Config struct {
	// Bootstrap
	DataDir    string   `yaml:"data_dir"`
	NodeID     string   `yaml:"node_id"`
	RaftBind   string   `yaml:"raft_bind"`
	RPCBind    string   `yaml:"rpc_bind"`
	HTTPBind   string   `yaml:"http_bind"`
	Bootstrap  bool     `yaml:"bootstrap"`
	JoinPeers  []string `yaml:"join_peers"`

	// §6 configuration surface
	HeartbeatIntervalSeconds  int      `yaml:"heartbeat_interval"`
	StaleAfterSeconds         int      `yaml:"stale_after"`
	DeadAfterSeconds          int      `yaml:"dead_after"`
	PipelinesPerMetadataVol   int      `yaml:"pipelines_per_metadata_volume"`
	MinContainersPerDN        int      `yaml:"min_containers_per_dn"`
	MinPipelineCountPerDN     int      `yaml:"min_pipeline_count_per_dn"`
	ContainerSizeBytes        int64    `yaml:"container_size_bytes"`
	SafeMode                  SafeMode `yaml:"safe_mode"`
	ReplicationType           string   `yaml:"replication_type"`
	ReplicationFactor         int      `yaml:"replication_factor"`
	FailoverMaxAttempts       int      `yaml:"failover_max_attempts"`
	WaitBetweenRetriesMillis  int      `yaml:"wait_between_retries_ms"`

	// Security (pkg/security)
	TLSEnabled bool   `yaml:"tls_enabled"`
	CACertPath string `yaml:"ca_cert_path"`
	CAKeyPath  string `yaml:"ca_key_path"`
}

// Default returns a Config with every recognized option set to its
// spec-documented or conservative default, matching the zero-value
// defaulting pattern used by nodemanager.Config/pipeline.Config.
func Default() Config {
	return Config{
		DataDir:                  "/var/lib/scm",
		RaftBind:                 "0.0.0.0:9100",
		RPCBind:                  "0.0.0.0:9200",
		HTTPBind:                 "0.0.0.0:9300",
		HeartbeatIntervalSeconds: 30,
		StaleAfterSeconds:        30,
		DeadAfterSeconds:         120,
		PipelinesPerMetadataVol:  2,
		MinContainersPerDN:       1,
		MinPipelineCountPerDN:    1,
		ContainerSizeBytes:       5 * 1024 * 1024 * 1024,
		SafeMode: SafeMode{
			Enabled:                   true,
			MinDatanodes:              1,
			ContainerThreshold:        0.99,
			PipelineAvailabilityCheck: false,
		},
		ReplicationType:          "REPLICATED",
		ReplicationFactor:        3,
		FailoverMaxAttempts:      3,
		WaitBetweenRetriesMillis: 1000,
	}
}

// Load reads and parses the YAML file at path on top of Default(), so
// a partial file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers cobra flags for every overridable option,
// mirroring cmd/warren's StringP/String flag registration style.
func BindFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "override data_dir")
	cmd.Flags().String("raft-bind", "", "override raft_bind")
	cmd.Flags().String("rpc-bind", "", "override rpc_bind")
	cmd.Flags().String("http-bind", "", "override http_bind")
	cmd.Flags().StringSlice("join", nil, "override join_peers")
	cmd.Flags().Bool("safe-mode", true, "override safe_mode.enabled")
	cmd.Flags().String("replication-type", "", "override replication_type")
	cmd.Flags().Int("replication-factor", 0, "override replication_factor")
}

// ApplyFlags overlays any flags the user explicitly set on cmd onto
// cfg. Flags left at their default are not applied, so the YAML file
// remains authoritative unless the operator overrides it at the
// command line.
func ApplyFlags(cfg *Config, cmd *cobra.Command) {
	flags := cmd.Flags()

	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("raft-bind") {
		cfg.RaftBind, _ = flags.GetString("raft-bind")
	}
	if flags.Changed("rpc-bind") {
		cfg.RPCBind, _ = flags.GetString("rpc-bind")
	}
	if flags.Changed("http-bind") {
		cfg.HTTPBind, _ = flags.GetString("http-bind")
	}
	if flags.Changed("join") {
		cfg.JoinPeers, _ = flags.GetStringSlice("join")
	}
	if flags.Changed("safe-mode") {
		cfg.SafeMode.Enabled, _ = flags.GetBool("safe-mode")
	}
	if flags.Changed("replication-type") {
		cfg.ReplicationType, _ = flags.GetString("replication-type")
	}
	if flags.Changed("replication-factor") {
		cfg.ReplicationFactor, _ = flags.GetInt("replication-factor")
	}
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) StaleAfter() time.Duration { return time.Duration(c.StaleAfterSeconds) * time.Second }

func (c Config) DeadAfter() time.Duration { return time.Duration(c.DeadAfterSeconds) * time.Second }

func (c Config) WaitBetweenRetries() time.Duration {
	return time.Duration(c.WaitBetweenRetriesMillis) * time.Millisecond
}
