package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"camtrawl-acq/pkg/app"
	"camtrawl-acq/pkg/camera"
	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/utils"
)

var version = "dev"

var (
	configFile   string
	profilesFile string
)

var rootCmd = &cobra.Command{
	Use:   "camtrawl-acq",
	Short: "Camtrawl image acquisition",
	Long: `Triggers the Camtrawl cameras in sync, tags every image with the sensor
data of its trigger cycle and follows the state of the control board.`,
	SilenceUsage: true,
	RunE:         runAcquisition,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an acquisition session",
	RunE:  runAcquisition,
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile, profilesFile)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "List the configured and detected cameras",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile, profilesFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range cfg.NamedCameras() {
			fmt.Fprintf(out, "%s\t%s\t%s\n", c.Name, c.Driver, c.Device)
		}
		devices, err := camera.Enumerate(config.DriverV4L2)
		if err != nil {
			return err
		}
		slices.Sort(devices)
		for _, dev := range devices {
			fmt.Fprintf(out, "-\t%s\t%s\n", config.DriverV4L2, dev)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (yaml)")
	rootCmd.PersistentFlags().StringVar(&profilesFile, "profiles", "", "video profiles file, overrides acquisition.video_profiles_file")

	rootCmd.AddCommand(runCmd, checkCmd, camerasCmd, versionCmd)
}

func runAcquisition(_ *cobra.Command, _ []string) error {
	logger := utils.GetLogger()
	defer logger.Sync()

	cfg, err := config.Load(configFile, profilesFile)
	if err != nil {
		return err
	}
	logger.Infof("camtrawl-acq %s starting", version)

	ap, err := app.New(cfg, time.Now(), app.Options{LogToFile: true})
	if err != nil {
		return err
	}

	return ap.Run(context.Background())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
