package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/jkaninda/linesim/internal/abi"
	"github.com/jkaninda/linesim/internal/device"
	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
)

// exitHalted is the exit code a host call closes the guest with when a
// device operation ends the run.
const exitHalted = 0xffff

// initializeExport is the reactor initializer some toolchains emit. It runs
// ahead of setup() under the same rules.
const initializeExport = "_initialize"

type signature struct {
	params, results []api.ValueType
}

var (
	hostSignatures = map[string]signature{
		abi.FuncSetMotorsPower: {params: []api.ValueType{api.ValueTypeF32, api.ValueTypeF32}},
		abi.FuncReadSensors:    {results: []api.ValueType{api.ValueTypeI32}},
		abi.FuncSleepFor:       {params: []api.ValueType{api.ValueTypeI64}},
	}
	exportSignatures = map[string]signature{
		abi.ExportSetup: {results: []api.ValueType{api.ValueTypeI32}},
		abi.ExportRun:   {},
	}
)

// Wasm is a WebAssembly guest. Each Wasm owns its runtime, so one value
// serves exactly one run.
type Wasm struct {
	runtime wazero.Runtime
	mod     api.Module
	limits  Limits
	logger  *slog.Logger

	bind *binding
}

var _ Guest = (*Wasm)(nil)

// binding is what the host functions close over. devices and cause are
// only touched on the goroutine running the guest; the watchdog reads the
// atomics.
type binding struct {
	devices device.Devices
	cause   error

	epoch    time.Time
	inHost   atomic.Bool
	resumed  atomic.Int64 // nanoseconds since epoch
	timedOut atomic.Bool
}

// Load compiles and validates module, then instantiates it without running
// any guest code. Anything that does not match the controller ABI is a load
// fault.
func Load(ctx context.Context, module []byte, limits Limits, logger *slog.Logger) (*Wasm, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limits = limits.WithDefaults()

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limits.MemoryLimitPages))

	w := &Wasm{
		runtime: rt,
		limits:  limits,
		logger:  logger,
		bind:    &binding{epoch: time.Now()},
	}

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fault.Load("compile", err)
	}
	if err := validate(compiled); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if err := w.instantiateHost(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fault.Load("host", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("guest").
		WithStartFunctions())
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fault.Load("instantiate", err)
	}
	w.mod = mod

	logger.Debug("guest module loaded",
		slog.Int("bytes", len(module)),
		slog.Int("imports", len(compiled.ImportedFunctions())),
		slog.Int("exports", len(compiled.ExportedFunctions())),
	)
	return w, nil
}

func validate(compiled wazero.CompiledModule) error {
	exports := compiled.ExportedFunctions()
	for _, name := range []string{abi.ExportSetup, abi.ExportRun} {
		def, ok := exports[name]
		if !ok {
			return fault.Loadf("validate", "missing export %q", name)
		}
		if !matches(def, exportSignatures[name]) {
			return fault.Loadf("validate", "export %q has signature %v -> %v", name, def.ParamTypes(), def.ResultTypes())
		}
	}
	if def, ok := exports[initializeExport]; ok && !matches(def, signature{}) {
		return fault.Loadf("validate", "export %q must take and return nothing", initializeExport)
	}
	if _, ok := compiled.ExportedMemories()[abi.ExportMemory]; !ok {
		return fault.Loadf("validate", "missing memory export %q", abi.ExportMemory)
	}

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		sig, ok := hostSignatures[name]
		if module != abi.HostModule || !ok {
			return fault.Loadf("validate", "import %s.%s is not a device capability", module, name)
		}
		if !matches(def, sig) {
			return fault.Loadf("validate", "import %s.%s has signature %v -> %v", module, name, def.ParamTypes(), def.ResultTypes())
		}
	}
	if n := len(compiled.ImportedMemories()); n > 0 {
		return fault.Loadf("validate", "module imports %d memories", n)
	}
	return nil
}

func matches(def api.FunctionDefinition, sig signature) bool {
	return slices.Equal(def.ParamTypes(), sig.params) && slices.Equal(def.ResultTypes(), sig.results)
}

func (w *Wasm) instantiateHost(ctx context.Context) error {
	b := w.bind
	_, err := w.runtime.NewHostModuleBuilder(abi.HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, left, right float32) {
			b.enter()
			defer b.leave()
			d := b.require(ctx, mod, abi.FuncSetMotorsPower)
			if err := d.SetMotorsPower(left, right); err != nil {
				b.halt(ctx, mod, err)
			}
		}).
		Export(abi.FuncSetMotorsPower).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint32 {
			b.enter()
			defer b.leave()
			d := b.require(ctx, mod, abi.FuncReadSensors)
			s, err := d.ReadSensors()
			if err != nil {
				b.halt(ctx, mod, err)
			}
			return s.Mask()
		}).
		Export(abi.FuncReadSensors).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, micros int64) {
			b.enter()
			defer b.leave()
			d := b.require(ctx, mod, abi.FuncSleepFor)
			if err := d.SleepFor(micros); err != nil {
				b.halt(ctx, mod, err)
			}
		}).
		Export(abi.FuncSleepFor).
		Instantiate(ctx)
	return err
}

func (b *binding) enter() { b.inHost.Store(true) }

func (b *binding) leave() {
	b.resumed.Store(int64(time.Since(b.epoch)))
	b.inHost.Store(false)
}

func (b *binding) require(ctx context.Context, mod api.Module, name string) device.Devices {
	if b.devices == nil {
		b.halt(ctx, mod, fault.Configurationf(name, "device capabilities are not available during setup()"))
	}
	return b.devices
}

// halt records why the guest stops, closes it and unwinds the guest stack
// the same way proc_exit does.
func (b *binding) halt(ctx context.Context, mod api.Module, cause error) {
	b.cause = cause
	_ = mod.CloseWithExitCode(ctx, exitHalted)
	panic(sys.NewExitError(exitHalted))
}

// Setup implements Guest.
func (w *Wasm) Setup(ctx context.Context) (robot.Configuration, error) {
	w.bind.devices = nil
	if w.mod.ExportedFunction(initializeExport) != nil {
		if _, err := w.call(ctx, initializeExport); err != nil {
			return robot.Configuration{}, err
		}
	}
	res, err := w.call(ctx, abi.ExportSetup)
	if err != nil {
		return robot.Configuration{}, err
	}
	mem := w.mod.ExportedMemory(abi.ExportMemory)
	return abi.DecodeRecord(mem, api.DecodeU32(res[0]))
}

// Run implements Guest. It returns the error that halted the guest.
func (w *Wasm) Run(ctx context.Context, devices device.Devices) error {
	w.bind.devices = devices
	defer func() { w.bind.devices = nil }()

	_, err := w.call(ctx, abi.ExportRun)
	if err == nil {
		return fault.Guestf(abi.ExportRun, "run() returned")
	}
	return err
}

// Close implements Guest.
func (w *Wasm) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *Wasm) call(ctx context.Context, name string) ([]uint64, error) {
	fn := w.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fault.Loadf(name, "export %q not found", name)
	}

	guestCtx, cancel := context.WithTimeout(ctx, w.limits.Deadline)
	defer cancel()
	stop := w.watch(cancel)
	defer stop()

	res, err := fn.Call(guestCtx)
	if err != nil {
		return nil, w.classify(ctx, guestCtx, name, err)
	}
	return res, nil
}

// watch cancels the guest when it computes longer than the slice timeout
// without entering the host.
func (w *Wasm) watch(cancel context.CancelFunc) func() {
	b := w.bind
	b.timedOut.Store(false)
	b.inHost.Store(false)
	b.resumed.Store(int64(time.Since(b.epoch)))

	limit := w.limits.SliceTimeout
	tick := time.NewTicker(max(limit/4, time.Millisecond))
	done := make(chan struct{})
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if b.inHost.Load() {
					continue
				}
				if time.Since(b.epoch)-time.Duration(b.resumed.Load()) > limit {
					b.timedOut.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// classify maps a failed guest call onto the fault taxonomy. ctx is the
// caller's context and guestCtx the one the guest ran under.
func (w *Wasm) classify(ctx, guestCtx context.Context, op string, err error) error {
	if cause := w.bind.cause; cause != nil {
		return cause
	}
	if w.bind.timedOut.Load() {
		return fault.Guestf(op, "guest computed for more than %v without a device call", w.limits.SliceTimeout)
	}
	if ctx.Err() != nil {
		return fault.Interrupted(op, context.Cause(ctx))
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return fault.Guest(op, fmt.Errorf("deadline of %v exceeded: %w", w.limits.Deadline, context.DeadlineExceeded))
		case sys.ExitCodeContextCanceled:
			return fault.Guest(op, context.Cause(guestCtx))
		default:
			return fault.Guestf(op, "guest exited with code %d", exit.ExitCode())
		}
	}
	return fault.Guest(op, err)
}
