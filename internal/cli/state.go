package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shopwatch/internal/config"
	"shopwatch/internal/shop"
	"shopwatch/internal/storage"
)

func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the persisted aggregate",
	}
	cmd.AddCommand(newStateShowCommand(rootOpts))
	return cmd
}

func newStateShowCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the state file without modifying it",
		Long: `Print the persisted aggregate. The file is read only: unlike startup,
a corrupt file is reported and left in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				p, err := statePathFromConfig(rootOpts.ConfigPath)
				if err != nil {
					return err
				}
				path = p
			}
			st, err := readState(path)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printState(cmd.OutOrStdout(), st, time.Now())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "state file (default: derived from --config storage section)")
	return cmd
}

func statePathFromConfig(cfgPath string) (string, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return "", fmt.Errorf("config %s: %w", cfgPath, err)
	}
	sc := storage.Config{
		Dir:         cfg.Storage.Dir,
		StatePath:   cfg.Storage.StatePath,
		DupPath:     cfg.Storage.DupPath,
		JournalPath: cfg.Storage.JournalPath,
	}
	state, _, _, err := sc.Paths()
	return state, err
}

func readState(path string) (*shop.AggregateState, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no state file at %s", path)
	}
	if err != nil {
		return nil, err
	}
	var st shop.AggregateState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &st, nil
}

func printState(w io.Writer, st *shop.AggregateState, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "last updated\t%s\n", fmtTime(st.LastUpdated))

	for _, name := range shop.Categories() {
		cs := st.Categories[name]
		if cs == nil {
			continue
		}
		fmt.Fprintf(tw, "\n[%s]\tupdated %s\tnext %s\n", name, fmtTime(cs.LastUpdated), fmtTime(cs.NextScheduledUpdate))
		if len(cs.Items) == 0 {
			fmt.Fprintln(tw, "  (empty)\t")
		}
		for _, it := range cs.Items {
			fmt.Fprintf(tw, "  %s\t%d\n", it.Name, it.Quantity)
		}
	}

	if st.Weather != nil && len(st.Weather.Events) > 0 {
		events := append([]shop.WeatherEvent(nil), st.Weather.Events...)
		sort.Slice(events, func(i, j int) bool { return events[i].EndsAt.Before(events[j].EndsAt) })
		fmt.Fprintln(tw, "\n[weather]\t")
		for _, ev := range events {
			left := ev.EndsAt.Sub(now).Truncate(time.Second)
			status := "ends in " + left.String()
			if left <= 0 {
				status = "ended"
			}
			fmt.Fprintf(tw, "  %s\t%s\n", ev.Name, status)
		}
	}

	if v := st.Vendor; v != nil && v.IsActive {
		fmt.Fprintf(tw, "\n[vendor]\t%s\n", strings.TrimSpace(v.VendorName))
		for _, it := range v.Items {
			fmt.Fprintf(tw, "  %s\t%d\n", it.Name, it.Quantity)
		}
	}
	return tw.Flush()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
