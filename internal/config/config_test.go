package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/linesim/internal/physics"
	"github.com/jkaninda/linesim/internal/sandbox"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "linesim.yaml", `
data_dir: /tmp/linesim-test
simulation:
  fixed_step_us: 500
  total_time_us: 2000000
  wheel_friction: 0.9
sandbox:
  slice_timeout_ms: 250
track:
  builtin: line
storage:
  driver: sqlite
gateways:
  http:
    enabled: true
    listen_addr: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Params()
	if p.FixedStep != 500*time.Microsecond {
		t.Errorf("FixedStep = %v", p.FixedStep)
	}
	if p.WheelFriction != 0.9 || p.WheelCombine != physics.CombineMax {
		t.Errorf("wheel friction = %v/%v, want 0.9 with the default max rule", p.WheelFriction, p.WheelCombine)
	}
	if p.Iterations != physics.DefaultParams().Iterations {
		t.Errorf("unset fields should take solver defaults, Iterations = %d", p.Iterations)
	}
	if cfg.TotalTime() != 2*time.Second {
		t.Errorf("TotalTime = %v", cfg.TotalTime())
	}
	l := cfg.Limits()
	if l.SliceTimeout != 250*time.Millisecond || l.Deadline != sandbox.DefaultLimits().Deadline {
		t.Errorf("Limits = %+v", l)
	}
	trk, err := cfg.LoadTrack()
	if err != nil || trk.Name != "line" {
		t.Fatalf("LoadTrack = %v, %v", trk, err)
	}
	if cfg.DatabasePath() != "/tmp/linesim-test/linesim.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "linesim.json", `{"simulation": {"chassis_combine": "average", "chassis_friction": 0.2}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p := cfg.Params(); p.ChassisCombine != physics.CombineAverage || p.ChassisFriction != 0.2 {
		t.Errorf("chassis friction = %v/%v", p.ChassisFriction, p.ChassisCombine)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("default driver = %q", cfg.StorageDriverName())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LINESIM_DATA_DIR", "/var/lib/linesim")
	t.Setenv("LINESIM_DB_DSN", "postgres://sim@localhost/sim")
	t.Setenv("LINESIM_TOTAL_TIME_US", "1500000")
	t.Setenv("LINESIM_TRACK", "turn")
	t.Setenv("LINESIM_HTTP_ADDR", ":7000")

	cfg, err := Load(writeFile(t, "c.yaml", "track:\n  builtin: line\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/linesim" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://sim@localhost/sim" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.TotalTime() != 1500*time.Millisecond {
		t.Errorf("TotalTime = %v", cfg.TotalTime())
	}
	if cfg.Track.Builtin != "turn" {
		t.Errorf("env should win over file, track = %q", cfg.Track.Builtin)
	}
	if cfg.Gateways.HTTP == nil || cfg.Gateways.HTTP.ListenAddr != ":7000" {
		t.Errorf("http = %+v", cfg.Gateways.HTTP)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("LINESIM_TOTAL_TIME_US", "soon")
	if _, err := Load(writeFile(t, "c.yaml", "{}\n")); err == nil {
		t.Fatal("expected an error for a non-numeric total time")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, yaml, want string
	}{
		{"negative step", "simulation:\n  fixed_step_us: -1\n", "fixed_step_us"},
		{"combine rule", "simulation:\n  wheel_combine: strongest\n", "wheel_combine"},
		{"unknown track", "track:\n  builtin: moon\n", "track.builtin"},
		{"driver", "storage:\n  driver: mongo\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"memory", "sandbox:\n  memory_limit_pages: 70000\n", "memory_limit_pages"},
		{"tracing endpoint", "observability:\n  tracing:\n    enabled: true\n", "endpoint"},
		{"batch", "batch:\n  concurrency: -2\n", "batch.concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	trk, err := cfg.LoadTrack()
	if err != nil || trk.Name != "simple" {
		t.Errorf("default track = %v, %v", trk, err)
	}
	if cfg.Params() != physics.DefaultParams() {
		t.Errorf("Params() = %+v, want defaults", cfg.Params())
	}
}

func TestLoadTrack_File(t *testing.T) {
	trackPath := writeFile(t, "oval.yaml", `
ground: {width: 3, length: 3}
origin: {x: 0, y: -1}
segments:
  - kind: start
  - kind: straight
    length: 1.5
  - kind: end
`)
	cfg := &Config{Track: TrackConfig{Builtin: "line", File: trackPath}}
	trk, err := cfg.LoadTrack()
	if err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	if trk.Name != "oval" || len(trk.Segments) != 3 {
		t.Errorf("track = %q with %d segments", trk.Name, len(trk.Segments))
	}
}

func TestWebSocketDefaults(t *testing.T) {
	var ws *WebSocketGatewayConfig
	if ws.WSPath() != "/v1/live" || ws.Stride() != 16 || ws.BufferSize() != 256 {
		t.Error("nil websocket config should yield defaults")
	}
	if ws.WSListenAddr() != ":8081" || ws.WSHeartbeatInterval() != 30*time.Second {
		t.Error("nil websocket config should yield listen and heartbeat defaults")
	}
	ws = &WebSocketGatewayConfig{HeartbeatIntervalSeconds: 5}
	if ws.WSHeartbeatInterval() != 5*time.Second {
		t.Errorf("heartbeat = %v", ws.WSHeartbeatInterval())
	}
}
