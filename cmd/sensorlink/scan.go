package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	goble "github.com/srg/sensorlink/internal/device/go-ble"
	"github.com/srg/sensorlink/internal/registrar"
	"github.com/srg/sensorlink/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for sensor boards",
	Long: `Scan for Bluetooth Low Energy sensor boards in the vicinity and list
their addresses, names and signal strength. Use an address with "monitor".`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanServices    []string
	scanName        string
	scanAll         bool
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanRequire     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringVar(&scanName, "name", "", "Filter by name prefix")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every device, not only MetaWear boards")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolVar(&scanRequire, "require", false, "Fail when no board is found")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	logger, err := configureLogger(cmd, logrus.WarnLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	opts := scanOptions()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	binder := goble.NewBinder(logger)
	if err := binder.Bind(ctx); err != nil {
		return err
	}
	defer func() {
		if err := binder.Unbind(); err != nil {
			logger.WithError(err).Warn("Failed to release BLE transport")
		}
	}()

	boards, err := runSingleScan(ctx, scanner.New(binder, logger), opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if scanRequire && len(boards) == 0 {
		return ErrNoBoards
	}

	if scanFormat == "json" {
		return displayBoardsJSON(cmd.OutOrStdout(), boards)
	}
	return displayBoardsTable(cmd.OutOrStdout(), boards)
}

func scanOptions() *scanner.Options {
	opts := &scanner.Options{
		Duration:        scanDuration,
		DuplicateFilter: scanNoDuplicate,
		ServiceUUIDs:    scanServices,
		NamePrefix:      scanName,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}
	if !scanAll && len(opts.ServiceUUIDs) == 0 && opts.NamePrefix == "" {
		opts.ServiceUUIDs = []string{registrar.MetaWearService}
	}
	return opts
}

func runSingleScan(ctx context.Context, s *scanner.Scanner, opts *scanner.Options, out io.Writer) ([]scanner.Board, error) {
	progress := newCountdown(out, "Scanning for sensor boards", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	return s.Scan(ctx, opts, progress.Callback())
}

func displayBoardsTable(out io.Writer, boards []scanner.Board) error {
	if len(boards) == 0 {
		fmt.Fprintln(out, "No sensor boards discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, b := range boards {
		name := b.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(b.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n",
			name, b.Address, rssiString(b.RSSI), services, time.Since(b.LastSeen).Truncate(time.Second))
	}

	return w.Flush()
}

// rssiString colours the signal strength: green is good enough to connect.
func rssiString(rssi int) string {
	s := fmt.Sprintf("%d dBm", rssi)
	switch {
	case rssi >= -65:
		return color.GreenString(s)
	case rssi >= -80:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func displayBoardsJSON(out io.Writer, boards []scanner.Board) error {
	if boards == nil {
		boards = []scanner.Board{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(boards)
}
