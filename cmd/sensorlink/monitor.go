package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/api"
	"github.com/srg/sensorlink/internal/config"
	"github.com/srg/sensorlink/internal/device"
	goble "github.com/srg/sensorlink/internal/device/go-ble"
	"github.com/srg/sensorlink/internal/events"
	"github.com/srg/sensorlink/internal/health"
	"github.com/srg/sensorlink/internal/measurement"
	"github.com/srg/sensorlink/internal/store"
	"github.com/srg/sensorlink/internal/supervisor"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <address>",
	Short: "Keep a sensor board connected and collect its measurements",
	Long: `Connect to the sensor board at <address>, enable every sensor channel and
keep the connection alive: lost links are re-established, the battery is
checked periodically and low levels are reported.

With --db every batch of buffered measurements is written to SQLite. With
--listen a REST bridge serves /connect, /disconnect, /measurements,
/battery and /status.`,
	Example: `  sensorlink monitor C4:7C:8D:6A:12:F0
  sensorlink monitor C4:7C:8D:6A:12:F0 --db ~/.sensorlink/data.db --listen 127.0.0.1:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

var (
	monitorConfigPath string
	monitorDBPath     string
	monitorListen     string
	monitorInterval   time.Duration
	monitorThreshold  int
)

func init() {
	addMonitorFlags(monitorCmd)
}

func addMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&monitorConfigPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&monitorDBPath, "db", "", "SQLite database for drained measurements")
	cmd.Flags().StringVar(&monitorListen, "listen", "", "Serve the REST bridge on this address")
	cmd.Flags().DurationVar(&monitorInterval, "health-interval", 0, "Health check interval (overrides config)")
	cmd.Flags().IntVar(&monitorThreshold, "battery-threshold", 0, "Low battery alert threshold in percent (overrides config)")
}

// loadMonitorConfig applies command flags over the config file.
func loadMonitorConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(monitorConfigPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Store.Path = monitorDBPath
	}
	if flags.Changed("listen") {
		cfg.API.Listen = monitorListen
	}
	if flags.Changed("health-interval") {
		cfg.Health.Interval = monitorInterval
	}
	if flags.Changed("battery-threshold") {
		cfg.Health.BatteryAlertThreshold = monitorThreshold
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	address := strings.TrimSpace(args[0])
	if address == "" {
		return device.NewInvalidTargetError(args[0])
	}

	cfg, err := loadMonitorConfig(cmd)
	if err != nil {
		return err
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, level)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sink *store.Store
	if cfg.Store.Path != "" {
		if sink, err = store.Open(cfg.Store.Path, logger); err != nil {
			return err
		}
		defer sink.Close()
	}

	out := cmd.OutOrStdout()
	coll := &collector{out: out, store: sink, deviceID: address, logger: logger}

	binder := goble.NewBinder(logger, goble.WithOpenOptions(device.OpenOptions{
		ConnectTimeout: cfg.Supervisor.ConnectTimeout,
	}))
	buffer := measurement.NewBuffer(
		measurement.WithDebounce(cfg.Buffer.DebounceInterval),
		measurement.WithLogger(logger),
	)
	sup := supervisor.New(binder, buffer, coll,
		supervisor.WithConfig(cfg.Supervisor),
		supervisor.WithLogger(logger),
	)
	coll.sup = sup
	defer func() {
		if err := sup.Close(); err != nil {
			logger.WithError(err).Warn("Supervisor did not shut down cleanly")
		}
	}()

	mon := health.NewMonitor(sup, cfg.Health,
		health.WithLogger(logger),
		health.WithAlert(func(level int) {
			sup.Emit(events.Event{Type: events.BatteryLow, DeviceID: address, Battery: level})
		}),
	)

	if cfg.API.Listen != "" {
		bridge := api.New(sup, logger)
		go func() {
			if err := bridge.Listen(cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("REST bridge stopped")
				cancel()
			}
		}()
		defer func() {
			if err := bridge.Shutdown(); err != nil {
				logger.WithError(err).Warn("REST bridge did not shut down cleanly")
			}
		}()
	}

	if err := sup.Connect(address); err != nil {
		return err
	}
	mon.Start(ctx, address)
	defer mon.Stop()

	fmt.Fprintf(out, "%s %s (Ctrl+C to stop)\n", color.CyanString("Monitoring"), address)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nStopping...")
			coll.summarize(context.Background())
			return nil
		case ev, ok := <-sup.Events():
			if !ok {
				return nil
			}
			printEvent(out, ev)
		}
	}
}

// collector receives the supervisor callbacks: it prints connection changes and
// drains the buffer into the store whenever new data is reported.
type collector struct {
	out      io.Writer
	sup      interface{ Measurements() *measurement.Drained }
	store    *store.Store
	deviceID string
	logger   *logrus.Logger
}

func (c *collector) OnConnectionSuccess(deviceID string, batteryLevel int, active []string) {
	fmt.Fprintf(c.out, "%s %s battery=%s channels=%s\n",
		color.GreenString("Connected"), deviceID, batteryString(batteryLevel), strings.Join(active, ","))
}

func (c *collector) OnDisconnection(reason string) {
	fmt.Fprintf(c.out, "%s %s\n", color.RedString("Disconnected:"), reason)
}

func (c *collector) OnDataAvailable(batteryLevel int, hasNewData bool) {
	if !hasNewData || c.sup == nil {
		return
	}
	batch := c.sup.Measurements()
	if batch.Len() == 0 {
		return
	}
	if c.store == nil {
		c.logger.WithField("channels", batch.Len()).Debug("Drained measurements (no store configured)")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := c.store.Store(ctx, c.deviceID, batch)
	if err != nil {
		c.logger.WithError(err).Error("Failed to store measurements")
		return
	}
	c.logger.WithFields(logrus.Fields{
		"rows":    n,
		"battery": batteryLevel,
	}).Info("Stored measurements")
}

// summarize prints how many rows the store holds and the newest value of each
// channel that has one.
func (c *collector) summarize(ctx context.Context) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	total, err := c.store.Count(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to count stored measurements")
		return
	}
	fmt.Fprintf(c.out, "%s %d measurements\n", color.CyanString("Stored"), total)
	if total == 0 {
		return
	}
	for _, ch := range measurement.Channels {
		rows, err := c.store.Recent(ctx, ch, 1)
		if err != nil {
			c.logger.WithError(err).WithField("channel", ch).Warn("Failed to read latest measurement")
			return
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(c.out, "  %-16s %s at %s\n", ch, rows[0].Value, rows[0].Timestamp.Format("15:04:05"))
	}
}

func printEvent(out io.Writer, ev events.Event) {
	ts := ev.At.Format("15:04:05")
	switch ev.Type {
	case events.BatteryLow:
		fmt.Fprintf(out, "%s %s battery at %s\n", ts, color.New(color.FgRed, color.Bold).Sprint("LOW BATTERY"), batteryString(ev.Battery))
	case events.BatteryUpdated:
		fmt.Fprintf(out, "%s battery %s\n", ts, batteryString(ev.Battery))
	case events.AttemptFailed:
		fmt.Fprintf(out, "%s %s attempt %d: %s\n", ts, color.YellowString("retrying"), ev.Attempt, ev.Reason)
	case events.LinkLost:
		fmt.Fprintf(out, "%s %s\n", ts, color.YellowString("link lost, reconnecting..."))
	case events.StateChanged:
		fmt.Fprintf(out, "%s state %s\n", ts, ev.State)
	}
}

func batteryString(level int) string {
	if level < 0 {
		return "unknown"
	}
	s := fmt.Sprintf("%d%%", level)
	switch {
	case level <= 20:
		return color.RedString(s)
	case level <= 50:
		return color.YellowString(s)
	default:
		return color.GreenString(s)
	}
}
