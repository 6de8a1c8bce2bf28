package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/linesim/internal/physics"
	"github.com/jkaninda/linesim/internal/sandbox"
	"github.com/jkaninda/linesim/internal/track"
)

func init() {
	// Load .env file if present (ignored if missing).
	_ = godotenv.Load()
}

// Config is the top-level linesim configuration.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.linesim. Override: LINESIM_DATA_DIR env var.
	Simulation    SimulationConfig     `json:"simulation" yaml:"simulation"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Track         TrackConfig          `json:"track" yaml:"track"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data directory
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Batch         BatchConfig          `json:"batch" yaml:"batch"`
}

// SimulationConfig tunes the physics world and the run length.
// Zero fields take the solver defaults.
type SimulationConfig struct {
	FixedStepUS     int64   `json:"fixed_step_us" yaml:"fixed_step_us"`       // Default: 1000
	TotalTimeUS     int64   `json:"total_time_us" yaml:"total_time_us"`       // Default: 30 s. Override: LINESIM_TOTAL_TIME_US.
	Substeps        int     `json:"substeps" yaml:"substeps"`                 // Default: 4
	Iterations      int     `json:"iterations" yaml:"iterations"`             // Default: 10
	Gravity         float64 `json:"gravity" yaml:"gravity"`                   // Default: 9.81
	MaxTorqueNM     float64 `json:"max_torque_nm" yaml:"max_torque_nm"`       // Motor torque at full power before gearing.
	AxleDamping     float64 `json:"axle_damping" yaml:"axle_damping"`         // N·m·s/rad
	WheelFriction   float64 `json:"wheel_friction" yaml:"wheel_friction"`     // Default: 0.95
	WheelCombine    string  `json:"wheel_combine" yaml:"wheel_combine"`       // "average", "min", "multiply" or "max". Default: "max"
	ChassisFriction float64 `json:"chassis_friction" yaml:"chassis_friction"` // Default: 0.1
	ChassisCombine  string  `json:"chassis_combine" yaml:"chassis_combine"`   // Default: "min"
	GroundFriction  float64 `json:"ground_friction" yaml:"ground_friction"`   // Default: 0.5
	ChassisDensity  float64 `json:"chassis_density" yaml:"chassis_density"`   // kg/m³
	WheelMassKG     float64 `json:"wheel_mass_kg" yaml:"wheel_mass_kg"`
	SensorBarMM     float64 `json:"sensor_bar_width_mm" yaml:"sensor_bar_width_mm"` // Default: 20
}

// SandboxConfig bounds guest execution.
type SandboxConfig struct {
	SliceTimeoutMS     int    `json:"slice_timeout_ms" yaml:"slice_timeout_ms"`           // Compute time between device calls. Default: 2000
	DeadlineS          int    `json:"deadline_s" yaml:"deadline_s"`                       // Wall time per run. Default: 600
	MemoryLimitPages   uint32 `json:"memory_limit_pages" yaml:"memory_limit_pages"`       // 64 KiB pages. Default: 256
	MaxCallsPerInstant int    `json:"max_calls_per_instant" yaml:"max_calls_per_instant"` // Device calls between sleeps. Default: 100000
}

// TrackConfig selects the track. File wins over Builtin.
type TrackConfig struct {
	Builtin string `json:"builtin,omitempty" yaml:"builtin,omitempty"` // Default: "simple". Override: LINESIM_TRACK.
	File    string `json:"file,omitempty" yaml:"file,omitempty"`       // YAML or JSON track description.
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the effective driver name.
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// SQLiteStorageConfig configures the SQLite backend.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/linesim.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig configures the PostgreSQL backend.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: LINESIM_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig groups metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "linesim"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures fault-rate warnings for served runs.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	FaultRateThreshold float64 `json:"fault_rate_threshold" yaml:"fault_rate_threshold"` // 0.0–1.0. 0 disables the warning.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// GatewaysConfig holds the network surfaces.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // Live step streaming.
}

// HTTPGatewayConfig configures the REST API.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: LINESIM_HTTP_ADDR.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 8 MiB
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`                             // SHA-256 hex of the key → client name. Empty = open.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	MaxConcurrentRuns   int               `json:"max_concurrent_runs" yaml:"max_concurrent_runs"` // Default: 4
	MaxTotalTimeUS      int64             `json:"max_total_time_us" yaml:"max_total_time_us"`     // Longest run a client may request. Default: 5 min
	AuditLog            bool              `json:"audit_log" yaml:"audit_log"`                     // Append submissions and deletions to <data_dir>/audit.jsonl.
}

// MaxTotalTime returns the per-request total time bound.
func (h *HTTPGatewayConfig) MaxTotalTime() time.Duration {
	if h == nil || h.MaxTotalTimeUS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(h.MaxTotalTimeUS) * time.Microsecond
}

// RateLimitConfig bounds run submissions per client.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WebSocketGatewayConfig configures live playback streaming.
type WebSocketGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	ListenAddr               string `json:"listen_addr" yaml:"listen_addr"`                               // Only used without the HTTP gateway. Default: ":8081".
	Path                     string `json:"path" yaml:"path"`                                             // Default: "/v1/live".
	StepsPerFrame            int    `json:"steps_per_frame" yaml:"steps_per_frame"`                       // Send every Nth step. Default: 16
	ClientBufferSize         int    `json:"client_buffer_size" yaml:"client_buffer_size"`                 // Frames queued per client. Default: 256
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30
}

// WSPath returns the WebSocket path with a default of "/v1/live".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w == nil || w.Path == "" {
		return "/v1/live"
	}
	return w.Path
}

// Stride returns how many steps make one frame.
func (w *WebSocketGatewayConfig) Stride() int {
	if w == nil || w.StepsPerFrame <= 0 {
		return 16
	}
	return w.StepsPerFrame
}

// BufferSize returns the per-client frame queue length.
func (w *WebSocketGatewayConfig) BufferSize() int {
	if w == nil || w.ClientBufferSize <= 0 {
		return 256
	}
	return w.ClientBufferSize
}

// WSListenAddr returns the standalone listen address with a default of ":8081".
func (w *WebSocketGatewayConfig) WSListenAddr() string {
	if w == nil || w.ListenAddr == "" {
		return ":8081"
	}
	return w.ListenAddr
}

// WSHeartbeatInterval returns the ping interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w == nil || w.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

// BatchConfig configures directory evaluation.
type BatchConfig struct {
	Concurrency int  `json:"concurrency" yaml:"concurrency"` // Default: number of CPUs.
	Store       bool `json:"store" yaml:"store"`             // Persist every run.
}

// Params converts the simulation section to solver parameters.
func (c *Config) Params() physics.Params {
	s := c.Simulation
	d := physics.DefaultParams()
	return physics.Params{
		FixedStep:       time.Duration(s.FixedStepUS) * time.Microsecond,
		Substeps:        s.Substeps,
		Iterations:      s.Iterations,
		Gravity:         s.Gravity,
		MaxTorque:       s.MaxTorqueNM,
		AxleDamping:     s.AxleDamping,
		WheelFriction:   s.WheelFriction,
		WheelCombine:    combineOr(s.WheelCombine, d.WheelCombine),
		ChassisFriction: s.ChassisFriction,
		ChassisCombine:  combineOr(s.ChassisCombine, d.ChassisCombine),
		GroundFriction:  s.GroundFriction,
		ChassisDensity:  s.ChassisDensity,
		WheelMass:       s.WheelMassKG,
		SensorBarWidth:  s.SensorBarMM,
	}.WithDefaults()
}

func combineOr(name string, def physics.Combine) physics.Combine {
	if name == "" {
		return def
	}
	return physics.ParseCombine(strings.ToLower(name))
}

// TotalTime returns the logical run length; zero means the simulation default.
func (c *Config) TotalTime() time.Duration {
	return time.Duration(c.Simulation.TotalTimeUS) * time.Microsecond
}

// Limits converts the sandbox section to guest limits.
func (c *Config) Limits() sandbox.Limits {
	s := c.Sandbox
	return sandbox.Limits{
		SliceTimeout:       time.Duration(s.SliceTimeoutMS) * time.Millisecond,
		Deadline:           time.Duration(s.DeadlineS) * time.Second,
		MemoryLimitPages:   s.MemoryLimitPages,
		MaxCallsPerInstant: s.MaxCallsPerInstant,
	}.WithDefaults()
}

// LoadTrack builds the configured track.
func (c *Config) LoadTrack() (*track.Track, error) {
	if c.Track.File != "" {
		path, err := resolvePath(c.Track.File)
		if err != nil {
			return nil, fmt.Errorf("resolving track path %s: %w", c.Track.File, err)
		}
		return track.LoadFile(path)
	}
	name := c.Track.Builtin
	if name == "" {
		name = "simple"
	}
	return track.Builtin(name)
}

// DefaultConfigPath returns the default config file path (~/.linesim/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/linesim.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".linesim", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}
	return finish(&cfg)
}

// LoadOrDefault loads path when it exists and otherwise starts from an
// empty config. Environment overrides apply either way.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return finish(&Config{})
	}
	return Load(path)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".linesim")
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LINESIM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LINESIM_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("LINESIM_TOTAL_TIME_US"); v != "" {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LINESIM_TOTAL_TIME_US: %w", err)
		}
		c.Simulation.TotalTimeUS = us
	}
	if v := os.Getenv("LINESIM_TRACK"); v != "" {
		c.Track.Builtin = v
	}
	if v := os.Getenv("LINESIM_HTTP_ADDR"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.ListenAddr = v
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".linesim")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "linesim.db")
}

// AuditLogPath returns where the HTTP gateway appends its audit log.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	s := c.Simulation
	if s.FixedStepUS < 0 {
		return fmt.Errorf("simulation.fixed_step_us must not be negative")
	}
	if s.TotalTimeUS < 0 {
		return fmt.Errorf("simulation.total_time_us must not be negative")
	}
	if s.Substeps < 0 || s.Iterations < 0 {
		return fmt.Errorf("simulation.substeps and simulation.iterations must not be negative")
	}
	for _, c := range []struct{ field, value string }{
		{"simulation.wheel_combine", s.WheelCombine},
		{"simulation.chassis_combine", s.ChassisCombine},
	} {
		switch strings.ToLower(c.value) {
		case "", "average", "min", "multiply", "max":
		default:
			return fmt.Errorf("%s %q is not supported (use average, min, multiply or max)", c.field, c.value)
		}
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}

	if c.Sandbox.SliceTimeoutMS < 0 || c.Sandbox.DeadlineS < 0 || c.Sandbox.MaxCallsPerInstant < 0 {
		return fmt.Errorf("sandbox limits must not be negative")
	}
	if c.Sandbox.MemoryLimitPages > 65536 {
		return fmt.Errorf("sandbox.memory_limit_pages must not exceed 65536 (4 GiB)")
	}

	if c.Track.File == "" && c.Track.Builtin != "" {
		if _, err := track.Builtin(c.Track.Builtin); err != nil {
			return fmt.Errorf("track.builtin: %w", err)
		}
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}

	if h := c.Gateways.HTTP; h != nil {
		if h.MaxRequestSizeBytes < 0 || h.MaxConcurrentRuns < 0 {
			return fmt.Errorf("gateways.http limits must not be negative")
		}
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit must not be negative")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}
	if c.Observability != nil && c.Observability.Anomaly != nil {
		a := c.Observability.Anomaly
		if a.FaultRateThreshold < 0 || a.FaultRateThreshold > 1 || a.WindowSeconds < 0 {
			return fmt.Errorf("observability.anomaly: threshold must be within [0, 1] and window must not be negative")
		}
	}
	if c.Batch.Concurrency < 0 {
		return fmt.Errorf("batch.concurrency must not be negative")
	}
	return nil
}
