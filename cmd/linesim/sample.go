package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/sandbox/wasmgen"
)

var (
	sampleName     string
	sampleFollower bool
	samplePeriod   time.Duration
)

var sampleCmd = &cobra.Command{
	Use:   "sample <out.wasm>",
	Short: "Write a reference controller module",
	Long: `Write a small hand-assembled controller for trying linesim without a
WebAssembly toolchain. The default controller asks for a reference robot
and keeps its motors stopped; --follower writes a two-sensor line follower.`,
	Args: cobra.ExactArgs(1),
	RunE: runSample,
}

func init() {
	sampleCmd.Flags().StringVar(&sampleName, "name", "Sample", "robot name")
	sampleCmd.Flags().BoolVar(&sampleFollower, "follower", false, "write a bang-bang line follower")
	sampleCmd.Flags().DurationVar(&samplePeriod, "period", 5*time.Millisecond, "follower control period")
}

// referenceRobot is the geometry the sample controllers ask for.
func referenceRobot(name string) robot.Configuration {
	return robot.Configuration{
		Name:                name,
		ColorMain:           robot.Color{R: 0x20, G: 0x80, B: 0xff},
		ColorSecondary:      robot.Color{R: 0xff, G: 0xff, B: 0xff},
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

func runSample(_ *cobra.Command, args []string) error {
	cfg := referenceRobot(sampleName)
	if _, err := cfg.Normalize(); err != nil {
		return err
	}

	var module []byte
	if sampleFollower {
		if samplePeriod <= 0 {
			return fmt.Errorf("--period must be positive")
		}
		module = wasmgen.Follower(cfg, samplePeriod.Microseconds())
	} else {
		module = wasmgen.Sample(cfg)
	}

	if err := os.WriteFile(args[0], module, 0o644); err != nil {
		return fmt.Errorf("writing module: %w", err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", args[0], len(module))
	return nil
}
