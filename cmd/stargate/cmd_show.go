package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stargate-home/stargate/pkg/cli"
	"github.com/stargate-home/stargate/pkg/config"
)

// Read-only subcommands against a running daemon's HTTP interface.
// They share the daemon's config file to find the port.

var (
	jsonOutput bool
	eventCount int
)

type deviceView struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Area    string   `json:"area"`
	Gateway string   `json:"gateway"`
	DevID   string   `json:"devid"`
	Class   string   `json:"class"`
	Type    string   `json:"type"`
	Level   float64  `json:"level"`
	States  []string `json:"states"`
}

type areaView struct {
	ID      int64        `json:"id"`
	Name    string       `json:"name"`
	Devices []deviceView `json:"devices"`
}

type eventView struct {
	Device string    `json:"device"`
	Code   string    `json:"code"`
	Level  int64     `json:"level"`
	At     time.Time `json:"at"`
}

// fetch GETs one API path. In --json mode the raw reply streams to
// stdout and handled is true; otherwise the reply decodes into out.
func fetch(path string, out interface{}) (handled bool, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return false, err
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + path)
	if err != nil {
		return false, fmt.Errorf("stargate API at %s: %w (is the daemon running?)", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return false, fmt.Errorf("%s: %s", path, apiErr.Error)
		}
		return false, fmt.Errorf("%s: %s", path, resp.Status)
	}
	if jsonOutput {
		_, err := io.Copy(os.Stdout, resp.Body)
		return true, err
	}
	return false, json.NewDecoder(resp.Body).Decode(out)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running house summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		var summary struct {
			Name     string   `json:"name"`
			Gateways []string `json:"gateways"`
			Areas    int      `json:"areas"`
			Devices  int      `json:"devices"`
		}
		if handled, err := fetch("/", &summary); handled || err != nil {
			return err
		}
		fmt.Printf("house:    %s\n", cli.Bold(summary.Name))
		fmt.Printf("gateways: %s\n", joinOr(summary.Gateways, "(none)"))
		fmt.Printf("areas:    %d\n", summary.Areas)
		fmt.Printf("devices:  %d\n", summary.Devices)
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices [type[:state]]",
	Short: "List devices, optionally filtered by type and state",
	Long: `List the house's devices.

An optional filter narrows by device type, or by type and current
state.

Examples:
  stargate devices
  stargate devices light
  stargate devices light:on
  stargate devices doorlock:unlocked`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/devices/"
		if len(args) == 1 {
			path += args[0]
		}
		var devices []deviceView
		if handled, err := fetch(path, &devices); handled || err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No matching devices")
			return nil
		}
		t := cli.NewTable("AREA", "DEVICE", "CLASS", "TYPE", "LEVEL", "STATES")
		for _, d := range devices {
			t.Row(d.Area, d.Name, d.Class, d.Type, formatLevel(d.Level), cli.States(d.States))
		}
		t.Flush()
		return nil
	},
}

var areasCmd = &cobra.Command{
	Use:   "areas",
	Short: "List areas and their devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		var areas []areaView
		if handled, err := fetch("/areas/", &areas); handled || err != nil {
			return err
		}
		for _, a := range areas {
			fmt.Println(cli.Bold(a.Name))
			t := cli.NewTable("DEVICE", "TYPE", "LEVEL", "STATES").WithPrefix("  ")
			for _, d := range a.Devices {
				t.Row(d.Name, d.Type, formatLevel(d.Level), cli.States(d.States))
			}
			t.Flush()
			fmt.Println()
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent device events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []eventView
		path := fmt.Sprintf("/events?count=%d", eventCount)
		if handled, err := fetch(path, &events); handled || err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events recorded")
			return nil
		}
		t := cli.NewTable("TIME", "DEVICE", "EVENT", "LEVEL")
		for _, ev := range events {
			t.Row(ev.At.Local().Format("2006-01-02 15:04:05"), ev.Device, ev.Code,
				strconv.FormatInt(ev.Level, 10))
		}
		t.Flush()
		return nil
	},
}

func formatLevel(level float64) string {
	return strconv.FormatFloat(level, 'f', -1, 64)
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}

func init() {
	eventsCmd.Flags().IntVar(&eventCount, "count", 20, "Number of events to show")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")
	rootCmd.AddCommand(statusCmd, devicesCmd, areasCmd, eventsCmd)
}
