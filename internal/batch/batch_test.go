package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/sandbox/wasmgen"
	"github.com/jkaninda/linesim/internal/simulation"
	"github.com/jkaninda/linesim/internal/storage"
	"github.com/jkaninda/linesim/internal/storage/sqlite"
	"github.com/jkaninda/linesim/internal/track"
)

func testConfig(name string) robot.Configuration {
	return robot.Configuration{
		Name:                name,
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

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-follower.wasm", wasmgen.Follower(testConfig("follower"), 5000))
	writeFile(t, dir, "b-follower.yaml", []byte(`expected:
  name: follower
  width_axle: 200
  length_front: 300
  length_back: 20
  clearing_back: 3
  wheel_diameter: 15
  gear_ratio_num: 1
  gear_ratio_den: 20
  front_sensors_spacing: 10
  front_sensors_height: 4
`))
	writeFile(t, dir, "a-sample.wasm", wasmgen.Sample(testConfig("sample")))
	writeFile(t, dir, "c-retired.wasm", wasmgen.Sample(testConfig("retired")))
	writeFile(t, dir, "c-retired.yaml", []byte("skip: true\n"))
	writeFile(t, dir, "d-empty-manifest.wasm", wasmgen.Sample(testConfig("empty")))
	writeFile(t, dir, "d-empty-manifest.yaml", nil)
	writeFile(t, dir, "garbage.wasm", []byte("#!/bin/sh\n"))
	writeFile(t, dir, "typo.wasm", wasmgen.Sample(testConfig("typo")))
	writeFile(t, dir, "typo.yaml", []byte("expectd: {}\n"))
	writeFile(t, dir, "README.md", []byte("# robots\n"))
	if err := os.Mkdir(filepath.Join(dir, "nested.wasm"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, result, err := NewLoader(0, nil).LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if result.Loaded != 3 || result.Skipped != 1 || len(result.Errors) != 2 {
		t.Fatalf("result = %+v", result)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if got := strings.Join(names, ","); got != "a-sample,b-follower,d-empty-manifest" {
		t.Errorf("entries = %s", got)
	}
	if entries[0].Expected != nil {
		t.Error("a-sample has no manifest")
	}
	if entries[1].Expected == nil || entries[1].Expected.Name != "follower" || entries[1].Expected.GearRatioDen != 20 {
		t.Errorf("b-follower expected = %+v", entries[1].Expected)
	}
	if len(entries[0].SHA256) != 64 {
		t.Errorf("sha256 = %q", entries[0].SHA256)
	}
}

func TestLoadDir_Missing(t *testing.T) {
	if _, _, err := NewLoader(0, nil).LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestLoadFile_TooLarge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.wasm", wasmgen.Sample(testConfig("big")))
	if _, _, err := NewLoader(8, nil).LoadFile(filepath.Join(dir, "big.wasm")); err == nil {
		t.Error("expected a size error")
	}
}

func lineOptions(t *testing.T) simulation.Options {
	t.Helper()
	trk, err := track.Builtin("line")
	if err != nil {
		t.Fatal(err)
	}
	return simulation.Options{Track: trk, TotalTime: 200 * time.Millisecond}
}

func entry(name string, module []byte) Entry {
	return Entry{Name: name, Module: module}
}

func TestEvaluate_Local(t *testing.T) {
	other := testConfig("someone else")
	mismatch := entry("mismatch", wasmgen.Sample(testConfig("mismatch")))
	mismatch.Expected = &other

	entries := []Entry{
		entry("trap", wasmgen.Build(wasmgen.Spec{Config: testConfig("trap"), Run: []wasmgen.Instr{wasmgen.Trap()}})),
		mismatch,
		entry("sample", wasmgen.Sample(testConfig("sample"))),
	}

	outcomes, err := NewEvaluator(simulation.Local{}, nil, lineOptions(t), 2, nil).Evaluate(context.Background(), entries)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}

	if o := outcomes[0]; o.Entry.Name != "sample" || !o.OK() || o.Result.Status != simulation.StateCompleted {
		t.Errorf("first = %s ok=%v", o.Entry.Name, o.OK())
	}
	if o := outcomes[1]; o.Entry.Name != "trap" || o.Err != nil || !errors.Is(o.Result.Fault, fault.ErrGuest) {
		t.Errorf("second = %s err=%v", o.Entry.Name, o.Err)
	}
	if o := outcomes[2]; o.Entry.Name != "mismatch" || !errors.Is(o.Err, fault.ErrConfiguration) {
		t.Errorf("third = %s err=%v", o.Entry.Name, o.Err)
	}
	if Elapsed(outcomes) <= 0 {
		t.Error("elapsed should be positive")
	}
}

// scriptedRunner returns a canned summary per robot name.
type scriptedRunner struct {
	summaries map[string]simulation.Summary
	calls     atomic.Int32
}

func (r *scriptedRunner) Run(_ context.Context, module []byte, _ simulation.Options) (*simulation.Result, error) {
	r.calls.Add(1)
	name := string(module)
	s, ok := r.summaries[name]
	if !ok {
		return nil, fault.Loadf("compile", "unknown module %q", name)
	}
	return &simulation.Result{
		Status:        simulation.StateCompleted,
		Configuration: robot.Configuration{Name: name},
		Summary:       s,
		Steps:         10,
	}, nil
}

func TestEvaluate_RanksAndStores(t *testing.T) {
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "batch.db")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{summaries: map[string]simulation.Summary{
		"slow":  {Outcome: simulation.OutcomeFinished, FinishedAt: 9 * time.Second},
		"fast":  {Outcome: simulation.OutcomeFinished, FinishedAt: 4 * time.Second},
		"stuck": {Outcome: simulation.OutcomeRunning, Distance: 1},
		"fell":  {Outcome: simulation.OutcomeOffTrack, Distance: 5},
	}}
	var entries []Entry
	for _, name := range []string{"fell", "slow", "broken", "stuck", "fast"} {
		entries = append(entries, entry(name, []byte(name)))
	}

	outcomes, err := NewEvaluator(runner, store, lineOptions(t), 3, nil).Evaluate(context.Background(), entries)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var names []string
	for _, o := range outcomes {
		names = append(names, o.Entry.Name)
	}
	if got := strings.Join(names, ","); got != "fast,slow,stuck,fell,broken" {
		t.Errorf("ranking = %s", got)
	}
	if runner.calls.Load() != 5 {
		t.Errorf("runner called %d times", runner.calls.Load())
	}

	runs, err := store.Runs().List(context.Background(), storage.RunFilter{Track: "line"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 5 {
		t.Fatalf("stored %d runs", len(runs))
	}
	for _, o := range outcomes {
		got, err := store.Runs().Get(context.Background(), o.RunID)
		if err != nil {
			t.Fatalf("%s not stored: %v", o.Entry.Name, err)
		}
		if got.Source != "batch" {
			t.Errorf("source = %q", got.Source)
		}
		if o.Entry.Name == "broken" && got.Status != storage.StatusRejected {
			t.Errorf("broken stored as %q", got.Status)
		}
	}
}

func TestEvaluate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &scriptedRunner{summaries: map[string]simulation.Summary{"a": {}}}
	_, err := NewEvaluator(runner, nil, lineOptions(t), 1, nil).Evaluate(ctx, []Entry{entry("a", []byte("a"))})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
