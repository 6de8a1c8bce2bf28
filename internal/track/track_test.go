package track

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func near(a, b mgl64.Vec2) bool { return a.Sub(b).Len() < 1e-9 }

func TestTransform_RoundTrip(t *testing.T) {
	tr := Transform{Position: mgl64.Vec2{1, -2}, Heading: 0.7}
	p := mgl64.Vec2{0.3, 4.1}
	if got := tr.ToLocal(tr.ToWorld(p)); !near(got, p) {
		t.Errorf("ToLocal(ToWorld(p)) = %v, want %v", got, p)
	}
	if got := (Transform{}).Forward(); !near(got, mgl64.Vec2{0, 1}) {
		t.Errorf("zero heading forward = %v, want +Y", got)
	}
	left := Transform{Heading: math.Pi / 2}
	if got := left.Forward(); !near(got, mgl64.Vec2{-1, 0}) {
		t.Errorf("positive heading should turn left, got %v", got)
	}
}

func TestNew_PlacesSegments(t *testing.T) {
	trk, err := New("t", mgl64.Vec2{4, 4}, Transform{}, 0,
		[]Segment{Start(), Straight(1), Turn90(SideRight, 0.5), Turn90(SideLeft, 0.5), End()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if trk.LineWidth != DefaultLineWidth {
		t.Errorf("line width = %v, want default", trk.LineWidth)
	}
	if got := trk.starts[2].Position; !near(got, mgl64.Vec2{0, 1}) {
		t.Errorf("right turn start = %v", got)
	}
	right := trk.starts[3]
	if !near(right.Position, mgl64.Vec2{0.5, 1.5}) || math.Abs(right.Heading+math.Pi/2) > 1e-9 {
		t.Errorf("after right turn = %+v", right)
	}
	end := trk.EndTransform()
	if !near(end.Position, mgl64.Vec2{1, 2}) || math.Abs(end.Heading) > 1e-9 {
		t.Errorf("end = %+v", end)
	}
	want := 1 + 2*0.5*math.Pi/2
	if math.Abs(trk.Length()-want) > 1e-9 {
		t.Errorf("Length() = %v, want %v", trk.Length(), want)
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		ground mgl64.Vec2
		segs   []Segment
	}{
		{"no segments", mgl64.Vec2{1, 1}, nil},
		{"zero ground", mgl64.Vec2{0, 1}, []Segment{Start()}},
		{"negative straight", mgl64.Vec2{1, 1}, []Segment{Straight(-1)}},
		{"bad side", mgl64.Vec2{1, 1}, []Segment{{Kind: KindTurn, Radius: 1, Angle: 90, Side: "up"}}},
		{"tiny radius", mgl64.Vec2{1, 1}, []Segment{Turn90(SideLeft, 0.001)}},
		{"angle too big", mgl64.Vec2{1, 1}, []Segment{Turn(400, SideLeft, 1)}},
		{"unknown kind", mgl64.Vec2{1, 1}, []Segment{{Kind: "loop"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New("bad", tt.ground, Transform{}, 0, tt.segs); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestOnLine_Straight(t *testing.T) {
	trk, err := New("s", mgl64.Vec2{2, 2}, Transform{}, 0.015, []Segment{Straight(1)})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		p    mgl64.Vec2
		want bool
	}{
		{mgl64.Vec2{0, 0.5}, true},
		{mgl64.Vec2{0.005, 0.5}, true},
		{mgl64.Vec2{-0.005, 0.5}, true},
		{mgl64.Vec2{0.015, 0.5}, false},
		{mgl64.Vec2{0.02, 0.5}, false},
		{mgl64.Vec2{0, 1.1}, false},
		{mgl64.Vec2{0, -0.1}, false},
	}
	for _, tt := range tests {
		if got := trk.OnLine(tt.p); got != tt.want {
			t.Errorf("OnLine(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestOnLine_Turns(t *testing.T) {
	for _, side := range []Side{SideLeft, SideRight} {
		trk, err := New("t", mgl64.Vec2{4, 4}, Transform{}, 0.02, []Segment{Turn90(side, 1)})
		if err != nil {
			t.Fatal(err)
		}
		sign := 1.0
		if side == SideLeft {
			sign = -1
		}
		mid := mgl64.Vec2{sign * (1 - math.Cos(math.Pi/4)), math.Sin(math.Pi / 4)}
		if !trk.OnLine(mid) {
			t.Errorf("%s turn: midpoint %v should be on the line", side, mid)
		}
		if trk.OnLine(mid.Mul(0.5)) {
			t.Errorf("%s turn: inside the arc should be off the line", side)
		}
		mirrored := mgl64.Vec2{-mid.X(), mid.Y()}
		if trk.OnLine(mirrored) {
			t.Errorf("%s turn: mirrored point %v should be off the line", side, mirrored)
		}
		beyond := mgl64.Vec2{sign * 1, -0.5}
		if trk.OnLine(beyond) {
			t.Errorf("%s turn: point past the arc end should be off the line", side)
		}
	}
}

func TestOnLine_RotatedOrigin(t *testing.T) {
	origin := Transform{Position: mgl64.Vec2{1, 1}, Heading: math.Pi / 2}
	trk, err := New("r", mgl64.Vec2{4, 4}, origin, 0.015, []Segment{Straight(1)})
	if err != nil {
		t.Fatal(err)
	}
	if !trk.OnLine(mgl64.Vec2{0.5, 1}) {
		t.Error("point along the rotated heading should be on the line")
	}
	if trk.OnLine(mgl64.Vec2{1, 1.5}) {
		t.Error("point along world +Y should be off the rotated line")
	}
}

func TestOnLine_Markers(t *testing.T) {
	trk, err := New("m", mgl64.Vec2{2, 2}, Transform{}, 0.015, []Segment{Start(), Straight(1), End()})
	if err != nil {
		t.Fatal(err)
	}
	if !trk.OnLine(mgl64.Vec2{0.04, 0}) {
		t.Error("start bar should span across the line")
	}
	if !trk.OnLine(mgl64.Vec2{-0.04, 1}) {
		t.Error("end bar should span across the line")
	}
	if trk.OnLine(mgl64.Vec2{0.06, 0}) {
		t.Error("past the bar end should be off the line")
	}
}

func TestBuiltin(t *testing.T) {
	names := Builtins()
	if len(names) == 0 || names[0] != "angle" {
		t.Fatalf("Builtins() = %v", names)
	}
	for _, name := range names {
		trk, err := Builtin(name)
		if err != nil {
			t.Fatalf("Builtin(%q): %v", name, err)
		}
		if !trk.OnLine(trk.Origin.Position) {
			t.Errorf("%s: origin should sit on the start marker", name)
		}
		if !trk.InBounds(trk.EndTransform().Position) {
			t.Errorf("%s: end %v lies off the ground", name, trk.EndTransform().Position)
		}
	}
	if _, err := Builtin("race"); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("Builtin(race) error = %v, want ErrUnknownTrack", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oval.yaml")
	doc := `
ground: {width: 3, length: 3}
origin: {x: 0.2, y: -1, heading: 90}
segments:
  - kind: start
  - kind: straight
    length: 0.5
  - kind: turn
    side: left
    radius: 0.3
    angle: 180
  - kind: end
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	trk, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if trk.Name != "oval" {
		t.Errorf("name = %q, want file stem", trk.Name)
	}
	if len(trk.Segments) != 4 || trk.LineWidth != DefaultLineWidth {
		t.Errorf("unexpected track: %+v", trk)
	}
	if math.Abs(trk.Origin.Heading-math.Pi/2) > 1e-9 {
		t.Errorf("heading = %v, want pi/2", trk.Origin.Heading)
	}

	f := trk.File()
	again, err := f.Build()
	if err != nil {
		t.Fatal(err)
	}
	if !near(again.EndTransform().Position, trk.EndTransform().Position) {
		t.Error("File().Build() placed segments differently")
	}
}

func TestParse_InvalidSegment(t *testing.T) {
	_, err := Parse([]byte("ground: {width: 1, length: 1}\nsegments:\n  - kind: straight\n"))
	if err == nil {
		t.Fatal("expected error for zero-length straight")
	}
}
