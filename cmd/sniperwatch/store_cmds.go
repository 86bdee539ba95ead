package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/events"
	"github.com/dj-oyu/sniper-watch/internal/settings"
)

var (
	eventLabel    string
	eventMinScore float64
	eventLimit    int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the recorded event log",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var list []detection.Event
		for ev := range a.events.Filter(func(ev detection.Event) bool {
			return events.MatchLabel(eventLabel)(ev) && events.MinScore(eventMinScore)(ev)
		}) {
			list = append(list, ev)
			if eventLimit > 0 && len(list) >= eventLimit {
				break
			}
		}
		if jsonOutput {
			return printJSON(list)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tLABEL\tSCORE\tBOX\tID")
		for _, ev := range list {
			b := ev.Detection.BBox
			fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%.0f,%.0f %.0fx%.0f\t%s\n",
				ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Detection.Label, ev.Detection.Score*100,
				b.X, b.Y, b.W, b.H, ev.ID)
		}
		w.Flush()
		fmt.Printf("%d of %d events (cap %d)\n", len(list), a.events.Len(), a.events.Cap())
		return nil
	},
}

var eventsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every recorded event",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		n := a.events.Len()
		a.events.Clear()
		fmt.Printf("Cleared %d events\n", n)
		return nil
	},
}

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Manage monitoring zones",
}

var zonesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List zones",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		list := a.zones.Zones()
		if jsonOutput {
			return printJSON(list)
		}
		for i, z := range list {
			c := z.Centroid()
			pts := lo.Map(z, func(p detection.Point, _ int) string {
				return fmt.Sprintf("%.0f,%.0f", p.X, p.Y)
			})
			fmt.Printf("%d: %d points, centroid %.0f,%.0f: %s\n", i+1, len(z), c.X, c.Y, strings.Join(pts, " "))
		}
		if len(list) == 0 {
			fmt.Println("No zones defined; every detection is considered")
		}
		return nil
	},
}

var zonesAddCmd = &cobra.Command{
	Use:   "add X,Y X,Y X,Y [X,Y...]",
	Short: "Add a polygon zone in canvas pixels",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		points, err := parsePoints(args)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if !a.zones.AddPolygon(points) {
			return fmt.Errorf("a zone needs at least 3 points, got %d", len(points))
		}
		fmt.Printf("Added zone %d\n", a.zones.Len())
		return nil
	},
}

var zonesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		a.zones.Clear()
		fmt.Println("Zones cleared")
		return nil
	},
}

var (
	setThreshold   float64
	setIoU         float64
	setSound       bool
	setBrowser     bool
	setRecord      bool
	setAPIEndpoint string
)

var settingsFlags = []string{"threshold", "iou", "sound", "browser", "record", "api-endpoint"}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change saved settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		f := cmd.Flags()
		st := a.settings.Get()
		if lo.ContainsBy(settingsFlags, f.Changed) {
			st = a.settings.Update(func(s *settings.Settings) {
				if f.Changed("threshold") {
					s.Threshold = setThreshold
				}
				if f.Changed("iou") {
					s.IoU = setIoU
				}
				if f.Changed("sound") {
					s.SoundAlerts = setSound
				}
				if f.Changed("browser") {
					s.BrowserAlerts = setBrowser
				}
				if f.Changed("record") {
					s.RecordEvents = setRecord
				}
				if f.Changed("api-endpoint") {
					s.APIEndpoint = setAPIEndpoint
				}
			})
		}
		return printJSON(st)
	},
}

func init() {
	eventsListCmd.Flags().StringVar(&eventLabel, "label", "", "Only events whose label contains this text")
	eventsListCmd.Flags().Float64Var(&eventMinScore, "min-score", 0, "Only events at or above this confidence")
	eventsListCmd.Flags().IntVar(&eventLimit, "limit", 0, "Maximum events to print (0 for all)")
	eventsCmd.AddCommand(eventsListCmd, eventsClearCmd)

	zonesCmd.AddCommand(zonesListCmd, zonesAddCmd, zonesClearCmd)

	f := settingsCmd.Flags()
	f.Float64Var(&setThreshold, "threshold", 0.5, "Recording confidence threshold (0-1)")
	f.Float64Var(&setIoU, "iou", 0.45, "IoU threshold sent to the backend (0-1)")
	f.BoolVar(&setSound, "sound", true, "Play a sound on detection")
	f.BoolVar(&setBrowser, "browser", false, "Show browser notifications")
	f.BoolVar(&setRecord, "record", true, "Record detection events")
	f.StringVar(&setAPIEndpoint, "api-endpoint", "", "Detection stream endpoint")
}

func parsePoints(args []string) ([]detection.Point, error) {
	points := make([]detection.Point, 0, len(args))
	for _, arg := range args {
		xs, ys, ok := strings.Cut(arg, ",")
		if !ok {
			return nil, fmt.Errorf("point %q: want X,Y", arg)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", arg, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", arg, err)
		}
		points = append(points, detection.Point{X: x, Y: y})
	}
	return points, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
