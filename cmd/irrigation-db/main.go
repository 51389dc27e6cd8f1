// AgSys Irrigation Journal CLI
// Read-only access to the irrigation node's journal
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agsys/irrigation-node/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "irrigation-db",
		Short: "AgSys irrigation journal CLI",
		Long:  "Command-line tool for inspecting the irrigation node's journal. The database is opened read-only.",
	}

	zonesCmd = &cobra.Command{
		Use:   "zones",
		Short: "Show the last known state and run counts per zone",
		RunE:  showZones,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [zone]",
		Short: "Show zone transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showEvents,
	}

	commandsCmd = &cobra.Command{
		Use:   "commands [command-id]",
		Short: "Show command history",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showCommands,
	}

	cyclesCmd = &cobra.Command{
		Use:   "cycles",
		Short: "Show sync cycle outcomes",
		RunE:  showCycles,
	}

	readingsCmd = &cobra.Command{
		Use:   "readings",
		Short: "Show sensor readings",
		RunE:  showReadings,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show journal statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SELECT query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/agsys/irrigation-node.db", "Database file path")

	for _, c := range []*cobra.Command{eventsCmd, commandsCmd, cyclesCmd, readingsCmd} {
		c.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	}

	rootCmd.AddCommand(zonesCmd, eventsCmd, commandsCmd, cyclesCmd, readingsCmd, statsCmd, queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	return storage.OpenReadOnly(dbPath)
}

func newTable(header ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	rule := make([]string, len(header))
	for i, h := range header {
		rule[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, strings.Join(rule, "\t"))
	return w
}

func showZones(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	zones, err := db.GetZoneSummaries()
	if err != nil {
		return err
	}

	w := newTable("ZONE", "STATE", "SINCE", "RUNS", "LOCAL", "LAST COMMAND")
	for _, z := range zones {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
			z.Zone, strings.ToUpper(z.State), formatTime(z.LastChange), z.Runs, z.LocalRuns, dash(z.LastCommand))
	}
	return w.Flush()
}

func showEvents(cmd *cobra.Command, args []string) error {
	zone := -1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("invalid zone %q", args[0])
		}
		zone = v
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.GetZoneEvents(zone, limit)
	if err != nil {
		return err
	}

	w := newTable("TIME", "ZONE", "STATE", "PUMP", "REASON", "SOURCE", "COMMAND")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(e.Timestamp), e.Zone, strings.ToUpper(e.State), onOff(e.Pump),
			e.Reason, e.Source, dash(e.CommandID))
	}
	return w.Flush()
}

func showCommands(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var records []*storage.CommandRecord
	if len(args) > 0 {
		records, err = db.GetCommandHistory(args[0])
	} else {
		records, err = db.GetRecentCommands(limit)
	}
	if err != nil {
		return err
	}

	w := newTable("TIME", "COMMAND", "ACTION", "ZONE", "DURATION", "SOURCE", "STATUS")
	for _, c := range records {
		duration := "-"
		if c.DurationS > 0 {
			duration = (time.Duration(c.DurationS) * time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			formatTime(c.Timestamp), c.CommandID, c.Action, c.Zone, duration, c.Source, strings.ToUpper(c.Status))
	}
	return w.Flush()
}

func showCycles(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cycles, err := db.GetRecentCycles(limit)
	if err != nil {
		return err
	}

	w := newTable("STARTED", "MODE", "DURATION", "UPLOAD", "FETCH", "ENQUEUED", "DROPPED", "MALFORMED", "WATERED")
	for _, c := range cycles {
		mode := "OFFLINE"
		if c.Online {
			mode = "ONLINE"
		}
		watered := make([]string, len(c.Watered))
		for i, z := range c.Watered {
			watered[i] = strconv.Itoa(z)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			formatTime(c.StartedAt), mode, (time.Duration(c.DurationMS) * time.Millisecond).String(),
			okFail(c.Online, c.Uploaded), okFail(c.Online, c.Fetched),
			c.Enqueued, c.Dropped, c.Malformed, dash(strings.Join(watered, ",")))
	}
	return w.Flush()
}

func showReadings(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	readings, err := db.GetRecentReadings(limit)
	if err != nil {
		return err
	}

	w := newTable("TIME", "SEQ", "TEMP", "HUMIDITY", "PRESSURE", "SOIL %")
	for _, r := range readings {
		soil := make([]string, len(r.Soil))
		for i, v := range r.Soil {
			soil[i] = fmt.Sprintf("%.1f", v)
		}
		fmt.Fprintf(w, "%s\t%d\t%.1f°C\t%.1f%%\t%.0fPa\t%s\n",
			formatTime(r.Timestamp), r.Seq, r.Temperature, r.Humidity, r.Pressure, strings.Join(soil, " "))
	}
	return w.Flush()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.GetStats()
	if err != nil {
		return err
	}

	fmt.Println("=== Journal Statistics ===")
	fmt.Println()
	fmt.Printf("Readings: %d", s.Readings)
	if s.Readings > 0 {
		fmt.Printf(" (%s .. %s)", formatTime(s.FirstReading), formatTime(s.LastReading))
	}
	fmt.Println()
	fmt.Printf("Zone events: %d\n", s.ZoneEvents)
	fmt.Printf("Command records: %d\n", s.Commands)
	fmt.Printf("Sync cycles: %d (online: %d, offline: %d)\n", s.SyncCycles, s.OnlineCycles, s.OfflineCycles)
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cols, rows, err := db.Select(args[0])
	if err != nil {
		return err
	}

	w := newTable(cols...)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// okFail renders an operation result; offline cycles attempt nothing.
func okFail(attempted, ok bool) string {
	switch {
	case !attempted:
		return "-"
	case ok:
		return "OK"
	default:
		return "FAIL"
	}
}
