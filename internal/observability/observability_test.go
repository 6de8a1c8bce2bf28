package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/linesim/internal/config"
	"github.com/jkaninda/linesim/internal/device"
	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/simulation"
	"github.com/jkaninda/linesim/internal/track"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Health == nil {
		t.Fatal("health checker should exist without config")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.Anomaly != nil {
		t.Error("nothing else should be enabled")
	}

	var none *Observability
	if none.MetricsOrNil() != nil || none.TracerOrNil() != nil {
		t.Error("accessors on nil Observability should return nil")
	}
}

func TestInstrument(t *testing.T) {
	inner := simulation.Local{}
	obs, _ := New(nil, nil)
	if _, ok := obs.Instrument(inner).(simulation.Local); !ok {
		t.Error("nothing enabled should leave the runner unwrapped")
	}
	var none *Observability
	if _, ok := none.Instrument(inner).(simulation.Local); !ok {
		t.Error("nil Observability should leave the runner unwrapped")
	}

	obs, _ = New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if _, ok := obs.Instrument(inner).(*InstrumentedRunner); !ok {
		t.Error("metrics should wrap the runner")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, FaultRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil {
		t.Fatal("metrics and anomaly detector should be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTracerSetup_Nil(t *testing.T) {
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Fatal("nil TracerSetup should hand out a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil: %v", err)
	}
	if ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false}); ts != nil || err != nil {
		t.Fatalf("disabled tracing = %v, %v", ts, err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()

	// Vectors only appear in Gather after first use.
	m.RunsTotal.WithLabelValues("completed").Inc()
	m.DeviceOpsTotal.WithLabelValues("sleep_for").Inc()
	m.GuestFaultsTotal.WithLabelValues("guest").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/runs", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"linesim_simulation_runs_total",
		"linesim_device_operations_total",
		"linesim_sandbox_faults_total",
		"linesim_http_requests_total",
		"linesim_physics_steps_total",
		"linesim_active_runs",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("wasm", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["database"].Status != "fail" || status.Checks["database"].Message != "connection refused" {
		t.Errorf("database check = %+v", status.Checks["database"])
	}
	if status.Checks["wasm"].Status != "ok" {
		t.Errorf("wasm check = %q, want ok", status.Checks["wasm"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" || status.Version != ServiceVersion || status.UptimeS < 0 {
		t.Errorf("liveness = %+v", status)
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	status := h.CheckReady(ctx)
	if status.Status != "degraded" || status.Checks["stuck"].Status != "fail" {
		t.Errorf("status = %+v", status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	if a.RecordFault("simple") {
		t.Error("nil detector should never warn")
	}
	a.RecordCompleted("simple")
	if a.FaultRate("simple") != 0 {
		t.Error("nil detector rate should be 0")
	}
}

func TestAnomalyDetector_FaultRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		FaultRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordCompleted("line")
	}
	warned := false
	for i := 0; i < 6; i++ {
		warned = a.RecordFault("line")
	}
	if !warned {
		t.Error("6 faults out of 10 runs should exceed a 0.5 threshold")
	}
	if got := a.FaultRate("line"); got != 0.6 {
		t.Errorf("FaultRate = %v, want 0.6", got)
	}
	if a.FaultRate("simple") != 0 {
		t.Error("tracks are counted separately")
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{FaultRateThreshold: 0.1, WindowSeconds: 10}, nil)
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		a.RecordFault("turn")
	}
	now = now.Add(11 * time.Second)
	if got := a.FaultRate("turn"); got != 0 {
		t.Errorf("FaultRate after window = %v, want 0", got)
	}
	if a.RecordFault("turn") {
		t.Error("a single fault is below the sample minimum")
	}
}

// --- InstrumentedRunner ---

type fakeRunner struct {
	res   *simulation.Result
	err   error
	ops   []device.Operation
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, module []byte, opts simulation.Options) (*simulation.Result, error) {
	f.calls++
	for _, op := range f.ops {
		if opts.Observe != nil {
			opts.Observe(op)
		}
	}
	return f.res, f.err
}

func lineTrack(t *testing.T) *track.Track {
	t.Helper()
	trk, err := track.Builtin("line")
	if err != nil {
		t.Fatal(err)
	}
	return trk
}

func TestInstrumentedRunner_Completed(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fakeRunner{
		res: &simulation.Result{
			Status:  simulation.StateCompleted,
			Steps:   250,
			Clock:   250 * time.Millisecond,
			Summary: simulation.Summary{Outcome: simulation.OutcomeRunning},
		},
		ops: []device.Operation{device.ReadSensors(), device.SetMotors(1, 1), device.SleepFor(1000), device.SleepFor(1000)},
	}

	var seen int
	r := NewInstrumentedRunner(inner, metrics, nil, nil)
	res, err := r.Run(context.Background(), nil, simulation.Options{
		Track:   lineTrack(t),
		Observe: func(device.Operation) { seen++ },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != simulation.StateCompleted || inner.calls != 1 {
		t.Fatalf("status = %v, calls = %d", res.Status, inner.calls)
	}
	if seen != 4 {
		t.Errorf("caller observer saw %d ops, want 4", seen)
	}

	if v := counterValue(t, metrics.Registry, "linesim_simulation_runs_total", prometheus.Labels{"status": "completed"}); v != 1 {
		t.Errorf("runs_total = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "linesim_device_operations_total", prometheus.Labels{"op": "sleep_for"}); v != 2 {
		t.Errorf("sleep_for ops = %v, want 2", v)
	}
	if v := counterValue(t, metrics.Registry, "linesim_physics_steps_total", nil); v != 250 {
		t.Errorf("physics steps = %v, want 250", v)
	}
	if v := counterValue(t, metrics.Registry, "linesim_simulation_outcomes_total", prometheus.Labels{"track": "line", "outcome": "running"}); v != 1 {
		t.Errorf("outcomes = %v, want 1", v)
	}
	if v := gaugeValue(t, metrics.Registry, "linesim_active_runs"); v != 0 {
		t.Errorf("active runs = %v after return, want 0", v)
	}
}

func TestInstrumentedRunner_Faults(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{FaultRateThreshold: 0.5}, nil)

	guest := &fakeRunner{res: &simulation.Result{
		Status: simulation.StateFaulted,
		Fault:  fault.Guestf("run", "unreachable"),
	}}
	r := NewInstrumentedRunner(guest, metrics, nil, anomaly)
	if _, err := r.Run(context.Background(), nil, simulation.Options{Track: lineTrack(t)}); err != nil {
		t.Fatalf("guest faults are not errors: %v", err)
	}

	load := &fakeRunner{err: fault.Loadf("compile", "bad magic")}
	r = NewInstrumentedRunner(load, metrics, nil, anomaly)
	if _, err := r.Run(context.Background(), nil, simulation.Options{Track: lineTrack(t)}); !errors.Is(err, fault.ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}

	if v := counterValue(t, metrics.Registry, "linesim_simulation_runs_total", prometheus.Labels{"status": "faulted"}); v != 1 {
		t.Errorf("faulted runs = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "linesim_simulation_runs_total", prometheus.Labels{"status": "error"}); v != 1 {
		t.Errorf("errored runs = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "linesim_sandbox_faults_total", prometheus.Labels{"kind": "guest"}); v != 1 {
		t.Errorf("guest faults = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "linesim_sandbox_faults_total", prometheus.Labels{"kind": "load"}); v != 1 {
		t.Errorf("load faults = %v, want 1", v)
	}
	if got := anomaly.FaultRate("line"); got != 1 {
		t.Errorf("fault rate = %v, want 1", got)
	}
}

func TestInstrumentedRunner_InterruptedSkipsAnomaly(t *testing.T) {
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{FaultRateThreshold: 0.5}, nil)

	done := &fakeRunner{res: &simulation.Result{Status: simulation.StateCompleted}}
	if _, err := NewInstrumentedRunner(done, nil, nil, anomaly).Run(context.Background(), nil, simulation.Options{Track: lineTrack(t)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stopped := &fakeRunner{res: &simulation.Result{
		Status: simulation.StateFaulted,
		Fault:  fault.Interrupted("run", context.Canceled),
	}}
	if _, err := NewInstrumentedRunner(stopped, nil, nil, anomaly).Run(context.Background(), nil, simulation.Options{Track: lineTrack(t)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if faults, total := anomaly.counts("line"); faults != 0 || total != 1 {
		t.Errorf("faults/total = %d/%d, want 0/1", faults, total)
	}
}

func TestInstrumentedRunner_NilMetrics(t *testing.T) {
	inner := &fakeRunner{res: &simulation.Result{Status: simulation.StateCompleted}, ops: []device.Operation{device.SleepFor(1)}}
	r := NewInstrumentedRunner(inner, nil, nil, nil)
	if _, err := r.Run(context.Background(), nil, simulation.Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/v1/runs/0b6bd7e4-7d0c-4d52-9a43-4e5c1f0e9a11/trace", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "linesim_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/v1/runs/:id/trace", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/v1/runs", "/v1/runs"},
		{"/v1/runs/0b6bd7e4-7d0c-4d52-9a43-4e5c1f0e9a11", "/v1/runs/:id"},
		{"/v1/runs/not-a-uuid", "/v1/runs/not-a-uuid"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.in); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}
