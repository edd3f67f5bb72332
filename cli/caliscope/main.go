// Package main is the caliscope CLI: calibrate camera arrays from tracked
// board detections and inspect the results.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/config"
	"github.com/mprib/caliscope-sub002/pipeline"
	"github.com/mprib/caliscope-sub002/pointcloud"
	"github.com/mprib/caliscope-sub002/report"
	"github.com/mprib/caliscope-sub002/triangulate"
)

const (
	// Flags.
	configFlag = "config"
	debugFlag  = "debug"
	outputFlag = "output"
	binaryFlag = "binary"
	binsFlag   = "bins"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = ""
	GitRevision = ""
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewDevelopmentLogger("caliscope"))
}

func mainWithArgs(ctx context.Context, args []string, _ golog.Logger) error {
	return newApp().RunContext(ctx, args)
}

func newApp() *cli.App {
	var logger golog.Logger

	return &cli.App{
		Name:            "caliscope",
		Usage:           "calibrate multi-camera arrays from tracked board detections",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    debugFlag,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(debugFlag) {
				logger = golog.NewDebugLogger("caliscope")
			} else {
				logger = golog.NewDevelopmentLogger("caliscope")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "calibrate",
				Usage:     "run a full calibration from a run configuration",
				UsageText: fmt.Sprintf("caliscope calibrate --%s <FILE>", configFlag),
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     configFlag,
						Aliases:  []string{"c"},
						Required: true,
						Usage:    "load the run configuration from `FILE`",
					},
					&cli.IntFlag{
						Name:  binsFlag,
						Value: 10,
						Usage: "histogram bins for the residual summary",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := config.Read(c.Path(configFlag))
					if err != nil {
						return err
					}
					pl, err := pipeline.FromConfig(cfg, logger)
					if err != nil {
						return err
					}
					outcome := <-pl.RunInBackground(c.Context)
					if outcome.Err != nil {
						return outcome.Err
					}
					res := outcome.Result
					if err := res.Save(cfg.OutputDir); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "calibrated %d cameras over %d points, rmse %.3fpx\n",
						len(res.Volume.Cameras.PosedPorts()), res.Volume.Points.Len(), res.Report.RMSE)
					if len(res.Unposed) > 0 {
						fmt.Fprintf(c.App.Writer, "unposed cameras: %v\n", res.Unposed)
					}
					if err := res.Report.PrintHistogram(c.App.Writer, c.Int(binsFlag)); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "results written to %s\n", cfg.OutputDir)
					return nil
				},
			},
			{
				Name:      "report",
				Usage:     "summarize a finished run and re-render its HTML report",
				ArgsUsage: "<run output dir>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  binsFlag,
						Value: 10,
						Usage: "histogram bins for the residual summary",
					},
				},
				Action: func(c *cli.Context) error {
					dir := c.Args().First()
					if dir == "" {
						return errors.New("missing run output directory argument")
					}
					rep, err := report.NewFromJSONFile(filepath.Join(dir, pipeline.ReportFile))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "rmse %.3fpx over %d observations (%d unmatched)\n",
						rep.RMSE, rep.Observations, rep.Unmatched)
					for _, cam := range rep.Cameras {
						fmt.Fprintf(c.App.Writer, "  port %d: %.3fpx over %d observations\n",
							cam.Port, cam.RMSE, cam.Observations)
					}
					if err := rep.PrintHistogram(c.App.Writer, c.Int(binsFlag)); err != nil {
						return err
					}
					htmlPath := filepath.Join(dir, pipeline.ReportHTMLFile)
					if err := rep.WriteHTMLFile(htmlPath); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", htmlPath)
					return nil
				},
			},
			{
				Name:      "export",
				Usage:     "export a finished run's world points and cameras as a point cloud",
				ArgsUsage: "<run output dir>",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:    outputFlag,
						Aliases: []string{"o"},
						Usage:   "write the cloud to `FILE` instead of into the run directory",
					},
					&cli.BoolFlag{
						Name:  binaryFlag,
						Usage: "write binary PCD data instead of ascii",
					},
				},
				Action: func(c *cli.Context) error {
					dir := c.Args().First()
					if dir == "" {
						return errors.New("missing run output directory argument")
					}
					world, err := triangulate.NewWorldPointsFromCSVFile(filepath.Join(dir, pipeline.PointsFile))
					if err != nil {
						return err
					}
					cams, err := camera.NewArrayFromJSONFile(filepath.Join(dir, pipeline.ArrayFile))
					if err != nil {
						return err
					}
					cloud := pointcloud.FromWorldPoints(world)
					cloud.AddCameraCenters(cams)

					outputType := pointcloud.PCDAscii
					if c.Bool(binaryFlag) {
						outputType = pointcloud.PCDBinary
					}
					out := c.Path(outputFlag)
					if out == "" {
						out = filepath.Join(dir, pipeline.CloudFile)
					}
					if err := cloud.WritePCDFile(out, outputType); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %d points to %s\n", cloud.Size(), out)
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "print version info for this program",
				Action: func(c *cli.Context) error {
					info, ok := debug.ReadBuildInfo()
					if !ok {
						return errors.New("error reading build info")
					}
					if c.Bool(debugFlag) {
						fmt.Fprintf(c.App.Writer, "%s\n", info.String())
					}
					settings := make(map[string]string, len(info.Settings))
					for _, setting := range info.Settings {
						settings[setting.Key] = setting.Value
					}
					version := "?"
					if GitRevision != "" {
						version = GitRevision
					} else if rev, ok := settings["vcs.revision"]; ok && len(rev) >= 8 {
						version = rev[:8]
						if settings["vcs.modified"] == "true" {
							version += "+"
						}
					}
					appVersion := Version
					if appVersion == "" {
						appVersion = "(dev)"
					}
					fmt.Fprintf(c.App.Writer, "version %s git=%s\n", appVersion, version)
					return nil
				},
			},
		},
	}
}
