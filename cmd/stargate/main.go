// Stargate - Home Automation Federation Daemon
//
// Stargate federates several home-automation systems behind one device
// model and one event log:
//   - Lutron RadioRa2 lighting (telnet to the main repeater)
//   - DSC PowerSeries alarm (Envisalink TPI), with a reflector that
//     lets extra TPI clients share the panel
//   - MiCasaVerde Vera door locks (HTTP polling)
//   - Synthesized rule devices bridging the gateways
//
// The daemon keeps one persistent session per hardware gateway, mirrors
// each change into the event log, runs the configured rules, and serves
// a read-only JSON view of the house over HTTP.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/gateway"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/notify"
	"github.com/stargate-home/stargate/pkg/persist"
	"github.com/stargate-home/stargate/pkg/reports"
	"github.com/stargate-home/stargate/pkg/server"
	"github.com/stargate-home/stargate/pkg/statemirror"
	"github.com/stargate-home/stargate/pkg/util"
	"github.com/stargate-home/stargate/pkg/version"

	// Gateway plugins register themselves on import.
	_ "github.com/stargate-home/stargate/pkg/gateway/powerseries"
	_ "github.com/stargate-home/stargate/pkg/gateway/radiora2"
	_ "github.com/stargate-home/stargate/pkg/gateway/synther"
	_ "github.com/stargate-home/stargate/pkg/gateway/vera"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "stargate",
	Short:         "Home automation federation daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `Stargate connects Lutron RadioRa2 lighting, a DSC PowerSeries alarm,
and Vera door locks into one house model with a persistent event log,
synthesized rule devices, and a read-only HTTP state API.

The daemon runs until signaled: SIGINT/SIGTERM/SIGQUIT checkpoint the
event log and exit; SIGHUP checkpoints without exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stargate %s\n", version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging on the console")
	rootCmd.AddCommand(versionCmd)
}

func run() error {
	// Secrets referenced as ${VAR} in the config can live in .env.
	if err := godotenv.Load(); err != nil {
		util.Debugf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Relative paths in the config (logfile, datafile, cached layout)
	// resolve against working_dir.
	if err := os.Chdir(cfg.WorkingDir); err != nil {
		return fmt.Errorf("entering working_dir: %w", err)
	}

	logCfg := util.LogConfig{
		Level:        cfg.Logging.Level,
		ConsoleLevel: cfg.Logging.ConsoleLevel,
		Logfile:      cfg.Logging.Logfile,
		ModuleLevels: cfg.Logging.ModuleLevels(),
	}
	if verbose {
		logCfg.ConsoleLevel = "debug"
	}
	if err := util.ConfigureLogging(logCfg); err != nil {
		return err
	}
	util.Infof("stargate %s starting with %s", version.Info(), configPath)

	store, err := persist.Open(cfg.Database.Datafile)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := notify.New(cfg.Notifications)
	reporter := reports.New(cfg.Reporting, notifier)
	reporter.InstallExceptionSink()
	defer util.SetExceptionSink(nil)

	h, err := house.New(cfg.House.Name, store, notifier)
	if err != nil {
		return err
	}
	defer h.Close()

	loaded, err := gateway.LoadAll(h, cfg.Gateways)
	if err != nil {
		return err
	}
	util.Infof("house %q up with %d gateways", h.Name, loaded)

	if cfg.Database.CheckpointInterval > 0 {
		scheduleCheckpoints(h, time.Duration(cfg.Database.CheckpointInterval)*time.Second)
	}

	srv := server.New(h, cfg.Server)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()

	if cfg.StateMirror.Enabled {
		mirror := statemirror.New(h, cfg.StateMirror)
		if err := mirror.Start(); err != nil {
			// The mirror is an export surface, not the house itself;
			// run without it rather than refuse to start.
			util.Errorf("state mirror disabled: %v", err)
		} else {
			defer mirror.Close()
		}
	}

	reporter.Startup()

	// Single exit path: every way out funnels through the final
	// checkpoint and the shutdown report.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			util.Infof("SIGHUP: checkpointing event log")
			if err := store.CheckpointAll(); err != nil {
				util.Errorf("checkpoint: %v", err)
			}
			continue
		}
		util.Infof("%v: shutting down", sig)
		break
	}

	if err := store.CheckpointAll(); err != nil {
		util.Errorf("final checkpoint: %v", err)
	}
	reporter.Shutdown()
	return nil
}

// scheduleCheckpoints arms a re-arming timer that periodically records
// a CHECKPOINT row for every device, bounding how much history a crash
// can lose.
func scheduleCheckpoints(h *house.House, interval time.Duration) {
	var arm func()
	arm = func() {
		h.Timer.Schedule(interval, func() {
			if err := h.Store.CheckpointAll(); err != nil {
				util.Errorf("periodic checkpoint: %v", err)
			}
			arm()
		})
	}
	arm()
}
