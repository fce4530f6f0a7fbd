package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/db"
)

var (
	stateLimit       int
	stateFilterEvent string
	stateEntity      string
	stateFile        string
	stateCounts      bool
)

var stateCmd = &cobra.Command{
	Use:   "state [filetype]",
	Short: "View the event log history for tracked files",
	Long: `Queries the DuckDB event log and displays the history for tracked files.
Specify archive, record, image or artifact as an optional argument to filter by file type.
Use --run-id, --entity and --event to narrow the output, --file for the latest event
of one file, or --counts for a per-event tally of a run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		if dbConn == nil {
			return errors.New("no state database configured (--db-path)")
		}
		ctx := cmd.Context()

		fileTypeFilter := ""
		if len(args) > 0 {
			switch t := strings.TrimSuffix(strings.ToLower(args[0]), "s"); t {
			case db.FileTypeArchive, db.FileTypeRecord, db.FileTypeImage, db.FileTypeArtifact:
				fileTypeFilter = t
			default:
				return fmt.Errorf("invalid filetype filter: %s (use archive, record, image or artifact)", args[0])
			}
		}

		if stateFile != "" {
			if fileTypeFilter == "" {
				return errors.New("--file needs a filetype argument")
			}
			event, ts, msg, found, err := db.GetLatestFileEvent(ctx, dbConn, stateFile, fileTypeFilter)
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(cmd.OutOrStdout(), "No events for %s %s\n", fileTypeFilter, stateFile)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s at %s %s\n", fileTypeFilter, stateFile, event, ts.UTC().Format("2006-01-02 15:04:05"), msg)
			return nil
		}

		if stateCounts {
			if appConfig.RunID == "" {
				return errors.New("--counts needs --run-id")
			}
			counts, err := db.EventCounts(ctx, dbConn, appConfig.RunID, logger)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%-35s %d\n", k, counts[k])
			}
			return nil
		}

		logger.Debug("Querying database event log", "type_filter", fileTypeFilter, "event_filter", stateFilterEvent, "limit", stateLimit)
		err := db.DisplayFileHistory(ctx, dbConn, db.HistoryFilter{
			RunID:    appConfig.RunID,
			Entity:   stateEntity,
			FileType: fileTypeFilter,
			Event:    stateFilterEvent,
			Limit:    stateLimit,
		})
		if err != nil {
			logger.Error("Failed to display state history", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVarP(&stateFilterEvent, "event", "e", "", "Filter records by event type (e.g., download_end, redact_end, error)")
	stateCmd.Flags().StringVar(&stateEntity, "entity", "", "Filter records by entity")
	stateCmd.Flags().StringVar(&stateFile, "file", "", "Show only the latest event of this file")
	stateCmd.Flags().BoolVar(&stateCounts, "counts", false, "Tally the run's events by file type and event")
}
