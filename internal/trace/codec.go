package trace

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Binary layout, little-endian:
//
//	magic   [4]byte "LSTR"
//	version uint16
//	_       uint16
//	count   uint32
//	count × { time_s f32, 3 × { translation 3×f32, rotation x,y,z,w f32 } }
const (
	Magic    = "LSTR"
	Version  = 1
	StepSize = 4 + 3*(3+4)*4

	HeaderSize = 12
)

// ErrBadFormat is returned when decoding something that is not a trace.
var ErrBadFormat = errors.New("trace: bad format")

// WriteTo writes the binary encoding of t.
func (t Trace) WriteTo(w io.Writer) (int64, error) {
	if uint64(len(t.Steps)) > math.MaxUint32 {
		return 0, fmt.Errorf("trace: %d steps exceed the format limit", len(t.Steps))
	}
	bw := bufio.NewWriter(w)
	var hdr [HeaderSize]byte
	copy(hdr[:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(t.Steps)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return 0, err
	}

	var buf [StepSize]byte
	for _, s := range t.Steps {
		putStep(buf[:], s)
		if _, err := bw.Write(buf[:]); err != nil {
			return 0, err
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return int64(HeaderSize + len(t.Steps)*StepSize), nil
}

// MarshalBinary returns the binary encoding of t.
func (t Trace) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	b.Grow(HeaderSize + len(t.Steps)*StepSize)
	if _, err := t.WriteTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (t *Trace) UnmarshalBinary(data []byte) error {
	got, err := Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*t = got
	return nil
}

// Decode reads one binary trace from r.
func Decode(r io.Reader) (Trace, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Trace{}, fmt.Errorf("%w: header: %v", ErrBadFormat, err)
	}
	if string(hdr[:4]) != Magic {
		return Trace{}, fmt.Errorf("%w: magic %q", ErrBadFormat, hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != Version {
		return Trace{}, fmt.Errorf("%w: unsupported version %d", ErrBadFormat, v)
	}
	count := binary.LittleEndian.Uint32(hdr[8:])

	br := bufio.NewReader(r)
	steps := make([]Step, 0, min(int(count), 1<<16))
	var buf [StepSize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return Trace{}, fmt.Errorf("%w: step %d: %v", ErrBadFormat, i, err)
		}
		steps = append(steps, getStep(buf[:]))
	}
	return Trace{Steps: steps}, nil
}

func putStep(b []byte, s Step) {
	off := 0
	put := func(v float32) {
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
		off += 4
	}
	put(s.TimeS)
	for _, p := range []Pose{s.Chassis, s.LeftWheel, s.RightWheel} {
		for _, v := range p.Translation {
			put(v)
		}
		for _, v := range p.Rotation {
			put(v)
		}
	}
}

func getStep(b []byte) Step {
	off := 0
	get := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		return v
	}
	var s Step
	s.TimeS = get()
	for _, p := range []*Pose{&s.Chassis, &s.LeftWheel, &s.RightWheel} {
		for i := range p.Translation {
			p.Translation[i] = get()
		}
		for i := range p.Rotation {
			p.Rotation[i] = get()
		}
	}
	return s
}
