package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dj-oyu/sniper-watch/internal/backend"
	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/settings"
)

var detectBackend string

var detectCmd = &cobra.Command{
	Use:   "detect FILE",
	Short: "Run detection on an image or video file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := cfg.BackendURL
		if cmd.Flags().Changed("backend") {
			base = detectBackend
		}
		client, err := backend.New(base, 0)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		st := a.settings.Get()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		name := filepath.Base(args[0])
		var msg detection.Message
		if isVideo(name) {
			msg, err = client.DetectVideo(cmd.Context(), name, f)
		} else {
			msg, err = client.Detect(cmd.Context(), name, f, backend.DetectOptions{Threshold: st.Threshold, IoU: st.IoU})
		}
		if err != nil {
			return err
		}
		return printDetections(msg, st)
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectBackend, "backend", "", "Detection API base URL (default from config)")
}

func isVideo(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".avi", ".mov", ".mkv", ".webm":
		return true
	}
	return false
}

func printDetections(msg detection.Message, st settings.Settings) error {
	recorded := lo.Filter(msg.Detections, func(d detection.Detection, _ int) bool {
		return st.ShouldRecord(d.Score)
	})
	if jsonOutput {
		return printJSON(map[string]any{
			"detections": msg.Detections,
			"recorded":   len(recorded),
			"stats":      msg.Stats,
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tSCORE\tBOX\tRECORD")
	for _, d := range msg.Detections {
		fmt.Fprintf(w, "%s\t%.0f%%\t%.0f,%.0f %.0fx%.0f\t%v\n",
			d.Label, d.Score*100, d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H, st.ShouldRecord(d.Score))
	}
	w.Flush()
	fmt.Printf("%d detections, %d at or above threshold %.2f\n", len(msg.Detections), len(recorded), st.Threshold)
	return nil
}
