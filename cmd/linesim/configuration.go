package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/simulation"
)

var configJSON bool

var configCmd = &cobra.Command{
	Use:   "config <module.wasm>",
	Short: "Print the robot configuration a controller asks for",
	Long: `Run only the module's setup() and print the validated robot
configuration as YAML. The output can be saved and passed back with
"linesim run --expected" to pin a controller to its geometry.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configJSON, "json", false, "print JSON instead of YAML")
}

func runConfig(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	module, err := readModule(args[0])
	if err != nil {
		return err
	}

	robotCfg, err := simulation.RobotConfiguration(context.Background(), module, cfg.Limits())
	if err != nil {
		kind, _ := fault.KindOf(err)
		fmt.Fprintf(os.Stderr, "rejected (%s): %v\n", kind, err)
		return exitCode(ExitRejected)
	}

	bar := cfg.Params().WithDefaults().SensorBarWidth
	if configJSON {
		out := struct {
			robot.Configuration
			GearRatio float64 `json:"gear_ratio"`
			Sensors   int     `json:"sensors"`
		}{robotCfg, robotCfg.GearRatio(), robotCfg.SensorCount(bar)}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	// The YAML is the --expected format, so derived values go in comments.
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(robotCfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	fmt.Printf("# gear ratio %.4f, %d sensors on a %g mm bar\n", robotCfg.GearRatio(), robotCfg.SensorCount(bar), bar)
	return nil
}
