package track

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a track.
type File struct {
	Name   string `yaml:"name" json:"name"`
	Ground struct {
		Width  float64 `yaml:"width" json:"width"`
		Length float64 `yaml:"length" json:"length"`
	} `yaml:"ground" json:"ground"`
	Origin struct {
		X       float64 `yaml:"x" json:"x"`
		Y       float64 `yaml:"y" json:"y"`
		Heading float64 `yaml:"heading" json:"heading"` // degrees
	} `yaml:"origin" json:"origin"`
	LineWidth float64   `yaml:"line_width,omitempty" json:"line_width,omitempty"`
	Segments  []Segment `yaml:"segments" json:"segments"`
}

// Build validates f and places its segments.
func (f *File) Build() (*Track, error) {
	origin := Transform{
		Position: mgl64.Vec2{f.Origin.X, f.Origin.Y},
		Heading:  mgl64.DegToRad(f.Origin.Heading),
	}
	return New(f.Name, mgl64.Vec2{f.Ground.Width, f.Ground.Length}, origin, f.LineWidth, f.Segments)
}

// Parse decodes a YAML track. JSON documents parse too since YAML is a
// superset.
func Parse(data []byte) (*Track, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing track: %w", err)
	}
	return f.Build()
}

// LoadFile reads a track from a .yaml, .yml or .json file.
func LoadFile(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading track file %s: %w", path, err)
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing JSON track %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing YAML track %s: %w", path, err)
		}
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return f.Build()
}

// File returns the on-disk form of t.
func (t *Track) File() File {
	var f File
	f.Name = t.Name
	f.Ground.Width, f.Ground.Length = t.Ground.X(), t.Ground.Y()
	f.Origin.X, f.Origin.Y = t.Origin.Position.X(), t.Origin.Position.Y()
	f.Origin.Heading = mgl64.RadToDeg(t.Origin.Heading)
	f.LineWidth = t.LineWidth
	f.Segments = append([]Segment(nil), t.Segments...)
	return f
}

var builtins = map[string]func() (*Track, error){
	"simple": func() (*Track, error) {
		return New("simple", mgl64.Vec2{5.0, 6.5},
			Transform{Position: mgl64.Vec2{0.5, -2.3}},
			DefaultLineWidth,
			[]Segment{
				Start(),
				Straight(2.0),
				Turn90(SideRight, 0.5),
				Turn(120, SideLeft, 1.0),
				Turn90(SideLeft, 1.0),
				Turn(60, SideRight, 2.0),
				End(),
			})
	},
	"line": func() (*Track, error) {
		return New("line", mgl64.Vec2{2.0, 4.0},
			Transform{Position: mgl64.Vec2{0, -1.5}},
			DefaultLineWidth,
			[]Segment{Start(), Straight(3.0), End()})
	},
	"turn": func() (*Track, error) {
		return New("turn", mgl64.Vec2{3.0, 3.0},
			Transform{Position: mgl64.Vec2{-0.5, -1.2}},
			DefaultLineWidth,
			[]Segment{Start(), Straight(1.0), Turn90(SideRight, 0.5), Straight(1.0), End()})
	},
	"angle": func() (*Track, error) {
		return New("angle", mgl64.Vec2{3.0, 3.0},
			Transform{Position: mgl64.Vec2{0.5, -1.2}},
			DefaultLineWidth,
			[]Segment{Start(), Straight(1.2), Turn90(SideLeft, DefaultLineWidth), Straight(1.2), End()})
	},
}

// Builtin returns a fresh copy of a named track.
func Builtin(name string) (*Track, error) {
	build, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrack, name)
	}
	return build()
}

// Builtins lists the registered track names in sorted order.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
