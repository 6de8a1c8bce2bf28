// Package wasmgen assembles small controller modules directly in the
// WebAssembly binary format. It covers the handful of instructions a
// sleep/drive/read loop needs and is used for the bundled sample
// controller and in tests.
package wasmgen

import (
	"encoding/binary"
	"math"

	"github.com/jkaninda/linesim/internal/abi"
	"github.com/jkaninda/linesim/internal/robot"
)

// Function indices of the host imports, in import order.
const (
	funcSetMotors   = 0
	funcReadSensors = 1
	funcSleepFor    = 2
)

// recordAddr is where the configuration record lives in linear memory;
// the name follows it.
const recordAddr = 16

// Instr is an encoded instruction sequence that leaves the stack as it
// found it.
type Instr []byte

// SetMotors calls set_motors_power(left, right).
func SetMotors(left, right float32) Instr {
	b := []byte{0x43}
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(left))
	b = append(b, 0x43)
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(right))
	return append(b, call(funcSetMotors)...)
}

// Sleep calls sleep_for(micros).
func Sleep(micros int64) Instr {
	b := append([]byte{0x42}, sleb(micros)...)
	return append(b, call(funcSleepFor)...)
}

// ReadSensors calls read_sensors and discards the reading.
func ReadSensors() Instr {
	return append(call(funcReadSensors), 0x1a)
}

// IfSensors reads the sensors and runs then when any bit of mask is set,
// otherwise els.
func IfSensors(mask uint32, then, els []Instr) Instr {
	b := call(funcReadSensors)
	b = append(b, 0x41)
	b = append(b, sleb(int64(int32(mask)))...)
	b = append(b, 0x71, 0x04, 0x40)
	b = append(b, concat(then)...)
	if len(els) > 0 {
		b = append(b, 0x05)
		b = append(b, concat(els)...)
	}
	return append(b, 0x0b)
}

// Spin loops forever without calling the host.
func Spin() Instr { return Instr{0x03, 0x40, 0x0c, 0x00, 0x0b} }

// Trap executes unreachable.
func Trap() Instr { return Instr{0x00} }

// Import is an extra function import of type () -> ().
type Import struct {
	Module string
	Name   string
}

// Spec describes a module to assemble.
type Spec struct {
	Config robot.Configuration
	// Setup runs inside setup() before the record pointer is returned.
	Setup []Instr
	// Run is the body of run(). With Loop set it repeats forever.
	Run  []Instr
	Loop bool
	// Omit drops exports by name.
	Omit []string
	// Imports are appended after the three device imports.
	Imports []Import
}

// Build encodes s as a WebAssembly module.
func Build(s Spec) []byte {
	omitted := func(name string) bool {
		for _, o := range s.Omit {
			if o == name {
				return true
			}
		}
		return false
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	const (
		f32, i32, i64 = 0x7d, 0x7f, 0x7e
	)
	types := [][]byte{
		funcType([]byte{f32, f32}, nil), // 0: set_motors_power
		funcType(nil, []byte{i32}),      // 1: read_sensors, setup
		funcType([]byte{i64}, nil),      // 2: sleep_for
		funcType(nil, nil),              // 3: run, extra imports
	}
	out = section(out, 1, vec(types))

	imports := [][]byte{
		importFunc(abi.HostModule, abi.FuncSetMotorsPower, 0),
		importFunc(abi.HostModule, abi.FuncReadSensors, 1),
		importFunc(abi.HostModule, abi.FuncSleepFor, 2),
	}
	for _, im := range s.Imports {
		imports = append(imports, importFunc(im.Module, im.Name, 3))
	}
	out = section(out, 2, vec(imports))

	setupIdx := uint32(len(imports))
	runIdx := setupIdx + 1
	out = section(out, 3, vec([][]byte{{1}, {3}}))
	out = section(out, 5, vec([][]byte{{0x00, 0x01}}))

	var exports [][]byte
	if !omitted(abi.ExportMemory) {
		exports = append(exports, export(abi.ExportMemory, 0x02, 0))
	}
	if !omitted(abi.ExportSetup) {
		exports = append(exports, export(abi.ExportSetup, 0x00, setupIdx))
	}
	if !omitted(abi.ExportRun) {
		exports = append(exports, export(abi.ExportRun, 0x00, runIdx))
	}
	out = section(out, 7, vec(exports))

	setup := concat(s.Setup)
	setup = append(setup, 0x41)
	setup = append(setup, sleb(recordAddr)...)
	run := concat(s.Run)
	if s.Loop {
		run = append(append([]byte{0x03, 0x40}, run...), 0x0c, 0x00, 0x0b)
	}
	out = section(out, 10, vec([][]byte{body(setup), body(run)}))

	namePtr := uint32(recordAddr + abi.RecordSize)
	data := append(abi.EncodeRecord(s.Config, namePtr), s.Config.Name...)
	seg := []byte{0x00, 0x41}
	seg = append(seg, sleb(recordAddr)...)
	seg = append(seg, 0x0b)
	seg = append(seg, bytes(data)...)
	out = section(out, 11, vec([][]byte{seg}))
	return out
}

// Sample is the reference controller: it requests cfg, stops both motors
// and sleeps 10 ms in a loop.
func Sample(cfg robot.Configuration) []byte {
	return Build(Spec{
		Config: cfg,
		Run:    []Instr{SetMotors(0, 0), Sleep(10_000)},
		Loop:   true,
	})
}

// Follower is a two-sensor bang-bang line follower: it slows the wheel on
// the side whose sensor sees the line.
func Follower(cfg robot.Configuration, periodMicros int64) []byte {
	return Build(Spec{
		Config: cfg,
		Run: []Instr{
			IfSensors(0b01,
				[]Instr{SetMotors(0.2, 0.6)},
				[]Instr{IfSensors(0b10,
					[]Instr{SetMotors(0.6, 0.2)},
					[]Instr{SetMotors(0.5, 0.5)},
				)},
			),
			Sleep(periodMicros),
		},
		Loop: true,
	})
}

func call(idx uint32) []byte { return append([]byte{0x10}, uleb(uint64(idx))...) }

func concat(is []Instr) []byte {
	var b []byte
	for _, i := range is {
		b = append(b, i...)
	}
	return b
}

func funcType(params, results []byte) []byte {
	b := []byte{0x60}
	b = append(b, bytes(params)...)
	return append(b, bytes(results)...)
}

func importFunc(module, name string, typeIdx uint32) []byte {
	b := bytes([]byte(module))
	b = append(b, bytes([]byte(name))...)
	b = append(b, 0x00)
	return append(b, uleb(uint64(typeIdx))...)
}

func export(name string, kind byte, idx uint32) []byte {
	b := bytes([]byte(name))
	b = append(b, kind)
	return append(b, uleb(uint64(idx))...)
}

// body wraps code as a function body with no locals.
func body(code []byte) []byte {
	b := append([]byte{0x00}, code...)
	b = append(b, 0x0b)
	return bytes(b)
}

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	return append(out, bytes(content)...)
}

// vec encodes a count followed by the concatenated items.
func vec(items [][]byte) []byte {
	b := uleb(uint64(len(items)))
	for _, it := range items {
		b = append(b, it...)
	}
	return b
}

// bytes encodes a length-prefixed byte string.
func bytes(p []byte) []byte {
	return append(uleb(uint64(len(p))), p...)
}

func uleb(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func sleb(v int64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}
