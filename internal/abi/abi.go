// Package abi fixes the contract between a controller module and the host:
// import and export names and the byte layout of the configuration record.
package abi

import (
	"encoding/binary"
	"math"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
)

// Names a guest module imports and exports.
const (
	HostModule = "devices"

	FuncSetMotorsPower = "set_motors_power"
	FuncReadSensors    = "read_sensors"
	FuncSleepFor       = "sleep_for"

	ExportMemory = "memory"
	ExportSetup  = "setup"
	ExportRun    = "run"
)

// RecordSize is the byte length of the configuration record setup()
// points at. All fields are little-endian:
//
//	0  name_ptr        u32
//	4  name_len        u32
//	8  color_main      r, g, b, pad
//	12 color_secondary r, g, b, pad
//	16 width_axle      f32
//	20 length_front    f32
//	24 length_back     f32
//	28 clearing_back   f32
//	32 wheel_diameter  f32
//	36 gear_ratio_num  u32
//	40 gear_ratio_den  u32
//	44 sensors_spacing f32
//	48 sensors_height  f32
const RecordSize = 52

// EncodeRecord lays out cfg as a configuration record whose name bytes
// live at namePtr.
func EncodeRecord(cfg robot.Configuration, namePtr uint32) []byte {
	b := make([]byte, RecordSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], namePtr)
	le.PutUint32(b[4:], uint32(len(cfg.Name)))
	b[8], b[9], b[10] = cfg.ColorMain.R, cfg.ColorMain.G, cfg.ColorMain.B
	b[12], b[13], b[14] = cfg.ColorSecondary.R, cfg.ColorSecondary.G, cfg.ColorSecondary.B
	for i, v := range []float32{cfg.WidthAxle, cfg.LengthFront, cfg.LengthBack, cfg.ClearingBack, cfg.WheelDiameter} {
		le.PutUint32(b[16+4*i:], math.Float32bits(v))
	}
	le.PutUint32(b[36:], cfg.GearRatioNum)
	le.PutUint32(b[40:], cfg.GearRatioDen)
	le.PutUint32(b[44:], math.Float32bits(cfg.FrontSensorsSpacing))
	le.PutUint32(b[48:], math.Float32bits(cfg.FrontSensorsHeight))
	return b
}

// Memory is the guest memory view the decoder needs; wazero's api.Memory
// satisfies it.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
}

// DecodeRecord reads the configuration record at ptr. The result is not
// validated.
func DecodeRecord(mem Memory, ptr uint32) (robot.Configuration, error) {
	b, ok := mem.Read(ptr, RecordSize)
	if !ok {
		return robot.Configuration{}, fault.Configurationf("setup", "record at %#x lies outside guest memory", ptr)
	}
	le := binary.LittleEndian
	namePtr, nameLen := le.Uint32(b[0:]), le.Uint32(b[4:])
	if nameLen > robot.MaxNameBytes {
		return robot.Configuration{}, fault.Configurationf("setup", "name length %d exceeds %d bytes", nameLen, robot.MaxNameBytes)
	}
	name, ok := mem.Read(namePtr, nameLen)
	if !ok {
		return robot.Configuration{}, fault.Configurationf("setup", "name at %#x lies outside guest memory", namePtr)
	}

	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(b[off:])) }
	return robot.Configuration{
		Name:                string(name),
		ColorMain:           robot.Color{R: b[8], G: b[9], B: b[10]},
		ColorSecondary:      robot.Color{R: b[12], G: b[13], B: b[14]},
		WidthAxle:           f32(16),
		LengthFront:         f32(20),
		LengthBack:          f32(24),
		ClearingBack:        f32(28),
		WheelDiameter:       f32(32),
		GearRatioNum:        le.Uint32(b[36:]),
		GearRatioDen:        le.Uint32(b[40:]),
		FrontSensorsSpacing: f32(44),
		FrontSensorsHeight:  f32(48),
	}, nil
}
