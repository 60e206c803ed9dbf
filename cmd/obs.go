package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentic-research/axisdb/api"
	"github.com/agentic-research/axisdb/internal/obsdb"
)

var obsCmd = &cobra.Command{
	Use:   "obs",
	Short: "Maintain the observation database",
}

var obsAddCmd = &cobra.Command{
	Use:   "add [obs_id] [timestamp] [tag=value ...]",
	Short: "Record an observation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("bad timestamp %q: %w", args[1], err)
		}
		tags := make(map[string]string, len(args)-2)
		for _, arg := range args[2:] {
			k, v, err := splitPair(arg)
			if err != nil {
				return err
			}
			tags[k] = v
		}

		db, err := openObsDb()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.Add(args[0], ts, tags); err != nil {
			return err
		}
		fmt.Printf("Recorded %s @ %v (%d tags).\n", args[0], ts, len(tags))
		return nil
	},
}

var obsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List observation ids in time order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openObsDb()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		ids, err := db.List()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func openObsDb() (*obsdb.ObsDb, error) {
	ctx, err := api.LoadContext(contextPath)
	if err != nil {
		return nil, err
	}
	if ctx.ObsDb == "" {
		return nil, fmt.Errorf("context %s does not set obsdb", contextPath)
	}
	return obsdb.Open(ctx.ObsDb)
}

func init() {
	obsCmd.AddCommand(obsAddCmd, obsListCmd)
	rootCmd.AddCommand(obsCmd)
}
