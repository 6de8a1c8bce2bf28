package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/linesim/internal/abi"
	"github.com/jkaninda/linesim/internal/device"
	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/sandbox/wasmgen"
)

var errStop = errors.New("stop")

// recorder is a Devices fake that halts the guest after a number of sleeps.
type recorder struct {
	ops       []device.Operation
	sensors   device.SensorArray
	maxSleeps int
	sleeps    int
}

func (r *recorder) SetMotorsPower(left, right float32) error {
	r.ops = append(r.ops, device.SetMotors(left, right))
	return nil
}

func (r *recorder) ReadSensors() (device.SensorArray, error) {
	r.ops = append(r.ops, device.ReadSensors())
	return r.sensors, nil
}

func (r *recorder) SleepFor(micros int64) error {
	r.ops = append(r.ops, device.SleepFor(micros))
	r.sleeps++
	if r.sleeps >= r.maxSleeps {
		return errStop
	}
	return nil
}

func testConfig() robot.Configuration {
	return robot.Configuration{
		Name:                "Liner",
		ColorMain:           robot.Color{R: 0xff, G: 0x80, B: 0x00},
		ColorSecondary:      robot.Color{R: 0x10, G: 0x20, B: 0x30},
		WidthAxle:           200,
		LengthFront:         300,
		LengthBack:          20,
		ClearingBack:        3,
		WheelDiameter:       15,
		GearRatioNum:        1,
		GearRatioDen:        20,
		FrontSensorsSpacing: 10,
		FrontSensorsHeight:  4,
	}
}

func load(t *testing.T, module []byte, limits Limits) *Wasm {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w, err := Load(context.Background(), module, limits, logger)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func TestLoad_SetupReturnsRecord(t *testing.T) {
	cfg := testConfig()
	w := load(t, wasmgen.Sample(cfg), Limits{})

	got, err := w.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("Setup() = %+v\nwant %+v", got, cfg)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		module []byte
		want   string
	}{
		{"not wasm", []byte("definitely not a module"), ""},
		{"missing run", wasmgen.Build(wasmgen.Spec{Config: testConfig(), Omit: []string{abi.ExportRun}}), `missing export "run"`},
		{"missing setup", wasmgen.Build(wasmgen.Spec{Config: testConfig(), Omit: []string{abi.ExportSetup}}), `missing export "setup"`},
		{"missing memory", wasmgen.Build(wasmgen.Spec{Config: testConfig(), Omit: []string{abi.ExportMemory}}), "missing memory export"},
		{"foreign import", wasmgen.Build(wasmgen.Spec{
			Config:  testConfig(),
			Imports: []wasmgen.Import{{Module: "wasi_snapshot_preview1", Name: "fd_write"}},
		}), "not a device capability"},
		{"unknown device", wasmgen.Build(wasmgen.Spec{
			Config:  testConfig(),
			Imports: []wasmgen.Import{{Module: abi.HostModule, Name: "open_file"}},
		}), "not a device capability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Load(context.Background(), tt.module, Limits{}, nil)
			if err == nil {
				_ = w.Close(context.Background())
				t.Fatal("expected a load fault")
			}
			if !errors.Is(err, fault.ErrLoad) {
				t.Fatalf("error = %v, want load fault", err)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSetup_DeviceCallIsConfigurationError(t *testing.T) {
	w := load(t, wasmgen.Build(wasmgen.Spec{
		Config: testConfig(),
		Setup:  []wasmgen.Instr{wasmgen.SetMotors(1, 1)},
		Run:    []wasmgen.Instr{wasmgen.Sleep(1000)},
		Loop:   true,
	}), Limits{})

	_, err := w.Setup(context.Background())
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("Setup error = %v, want configuration fault", err)
	}
}

func TestSetup_NameTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.Name = strings.Repeat("n", robot.MaxNameBytes+1)
	w := load(t, wasmgen.Sample(cfg), Limits{})

	if _, err := w.Setup(context.Background()); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("Setup error = %v, want configuration fault", err)
	}
}

func TestRun_SampleLoop(t *testing.T) {
	w := load(t, wasmgen.Sample(testConfig()), Limits{})
	if _, err := w.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	devices := &recorder{maxSleeps: 3}
	err := w.Run(context.Background(), devices)
	if !errors.Is(err, errStop) {
		t.Fatalf("Run error = %v, want the halting cause", err)
	}
	want := []device.Operation{
		device.SetMotors(0, 0), device.SleepFor(10_000),
		device.SetMotors(0, 0), device.SleepFor(10_000),
		device.SetMotors(0, 0), device.SleepFor(10_000),
	}
	if !reflect.DeepEqual(devices.ops, want) {
		t.Errorf("ops = %v", devices.ops)
	}
}

func TestRun_FollowerReadsSensors(t *testing.T) {
	w := load(t, wasmgen.Follower(testConfig(), 5000), Limits{})
	if _, err := w.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	devices := &recorder{maxSleeps: 1, sensors: device.SensorArray{true, false}}
	if err := w.Run(context.Background(), devices); !errors.Is(err, errStop) {
		t.Fatalf("Run error = %v", err)
	}
	want := []device.Operation{device.ReadSensors(), device.SetMotors(0.2, 0.6), device.SleepFor(5000)}
	if !reflect.DeepEqual(devices.ops, want) {
		t.Errorf("ops = %v, want %v", devices.ops, want)
	}
}

func TestRun_Faults(t *testing.T) {
	tests := []struct {
		name string
		run  []wasmgen.Instr
		loop bool
		want string
	}{
		{"trap", []wasmgen.Instr{wasmgen.Sleep(10), wasmgen.Trap()}, false, "unreachable"},
		{"returns", []wasmgen.Instr{wasmgen.SetMotors(0.5, 0.5)}, false, "run() returned"},
		{"compute loop", []wasmgen.Instr{wasmgen.Sleep(10), wasmgen.Spin()}, false, "without a device call"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := load(t, wasmgen.Build(wasmgen.Spec{Config: testConfig(), Run: tt.run, Loop: tt.loop}),
				Limits{SliceTimeout: 50 * time.Millisecond})
			if _, err := w.Setup(context.Background()); err != nil {
				t.Fatal(err)
			}

			start := time.Now()
			err := w.Run(context.Background(), &recorder{maxSleeps: 1000})
			if !errors.Is(err, fault.ErrGuest) {
				t.Fatalf("Run error = %v, want guest fault", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("guest was stopped after %v", elapsed)
			}
		})
	}
}

func TestRun_Deadline(t *testing.T) {
	w := load(t, wasmgen.Build(wasmgen.Spec{Config: testConfig(), Run: []wasmgen.Instr{wasmgen.Spin()}}),
		Limits{SliceTimeout: time.Minute, Deadline: 50 * time.Millisecond})
	if _, err := w.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := w.Run(context.Background(), &recorder{maxSleeps: 1})
	if !errors.Is(err, fault.ErrGuest) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want a guest fault wrapping the deadline", err)
	}
}

func TestRun_Canceled(t *testing.T) {
	w := load(t, wasmgen.Build(wasmgen.Spec{Config: testConfig(), Run: []wasmgen.Instr{wasmgen.Spin()}}), Limits{})
	if _, err := w.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := w.Run(ctx, &recorder{maxSleeps: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled in the chain", err)
	}
	if !errors.Is(err, fault.ErrInterrupted) || errors.Is(err, fault.ErrGuest) {
		t.Errorf("Run error = %v, want an interruption, not a guest fault", err)
	}
}

func TestTimeInHostDoesNotCount(t *testing.T) {
	w := load(t, wasmgen.Sample(testConfig()), Limits{SliceTimeout: 20 * time.Millisecond})
	if _, err := w.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	devices := &slowSleeper{recorder: recorder{maxSleeps: 4}, delay: 40 * time.Millisecond}
	if err := w.Run(context.Background(), devices); !errors.Is(err, errStop) {
		t.Fatalf("Run error = %v, want errStop", err)
	}
}

type slowSleeper struct {
	recorder
	delay time.Duration
}

func (s *slowSleeper) SleepFor(micros int64) error {
	time.Sleep(s.delay)
	return s.recorder.SleepFor(micros)
}

func TestNative(t *testing.T) {
	cfg := testConfig()
	var g Guest = &Native{
		SetupFunc: func(context.Context) (robot.Configuration, error) { return cfg, nil },
		RunFunc: func(_ context.Context, d device.Devices) error {
			for {
				if err := d.SleepFor(1); err != nil {
					return err
				}
			}
		},
	}
	got, err := g.Setup(context.Background())
	if err != nil || got != cfg {
		t.Fatalf("Setup() = %+v, %v", got, err)
	}
	if err := g.Run(context.Background(), &recorder{maxSleeps: 2}); !errors.Is(err, errStop) {
		t.Errorf("Run error = %v", err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestLimits_WithDefaults(t *testing.T) {
	l := Limits{SliceTimeout: time.Second}.WithDefaults()
	d := DefaultLimits()
	if l.SliceTimeout != time.Second {
		t.Errorf("SliceTimeout overwritten: %v", l.SliceTimeout)
	}
	if l.Deadline != d.Deadline || l.MemoryLimitPages != d.MemoryLimitPages || l.MaxCallsPerInstant != d.MaxCallsPerInstant {
		t.Errorf("defaults not applied: %+v", l)
	}
}
