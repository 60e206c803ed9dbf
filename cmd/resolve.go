package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/axisdb/api"
	"github.com/agentic-research/axisdb/internal/axisman"
	"github.com/agentic-research/axisdb/internal/manifest"
	"github.com/agentic-research/axisdb/internal/obsdb"
	"github.com/agentic-research/axisdb/internal/resolver"
	"github.com/agentic-research/axisdb/internal/stash"
)

var (
	resolveDets      string
	resolveSamps     string
	resolveOut       string
	resolveGroup     string
	resolveOverwrite bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [obs_id]",
	Short: "Resolve all context indexes for one observation into a stash file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obsID := args[0]
		ctx, err := api.LoadContext(contextPath)
		if err != nil {
			return err
		}
		if ctx.ObsDb == "" {
			return fmt.Errorf("context %s does not set obsdb", contextPath)
		}

		db, err := obsdb.Open(ctx.ObsDb)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		obsKeys, err := db.Get(obsID)
		if err != nil {
			return err
		}

		specs := make([]resolver.Spec, 0, len(ctx.Indexes))
		for _, is := range ctx.Indexes {
			ix, err := manifest.OpenReadOnly(is.Path)
			if err != nil {
				return fmt.Errorf("open index %q: %w", is.Name, err)
			}
			defer func() { _ = ix.Close() }()
			specs = append(specs, resolver.Spec{
				Name:     is.Name,
				Index:    ix,
				Loader:   is.Loader,
				Dest:     is.Dest,
				Rename:   is.Rename,
				Axes:     is.Axes,
				Required: is.Required,
			})
		}

		det, samp, err := parseSelectors(resolveDets, resolveSamps)
		if err != nil {
			return err
		}

		root := ctx.DataRoot
		if root == "" {
			root = "."
		}
		fs := osfs.New(root)
		reg := resolver.NewRegistry()
		reg.Register(resolver.DefaultLoader, resolver.NewStashLoader(fs))

		start := time.Now()
		result, err := resolver.New(reg).Resolve(obsKeys, specs, det, samp)
		if err != nil {
			return err
		}

		group := resolveGroup
		if group == "" {
			group = obsID
		}
		opts := stash.SaveOptions{Overwrite: resolveOverwrite, Compression: stash.CompressionZstd}
		if err := stash.Save(fs, resolveOut, group, result, opts); err != nil {
			return err
		}
		fmt.Printf("Resolved %s into %s:%s in %v.\n", obsID, resolveOut, group, time.Since(start))
		return nil
	},
}

// parseSelectors turns --dets "d0,d1" into a label selector and --samps
// "lo:hi" into an absolute sample range.
func parseSelectors(dets, samps string) (det, samp axisman.Selector, err error) {
	if dets != "" {
		det = axisman.Labels(strings.Split(dets, ","))
	}
	if samps != "" {
		lo, hi, ok := strings.Cut(samps, ":")
		if !ok {
			return nil, nil, fmt.Errorf("--samps wants lo:hi, got %q", samps)
		}
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, nil, fmt.Errorf("--samps: %w", err)
		}
		stop, err := strconv.Atoi(hi)
		if err != nil {
			return nil, nil, fmt.Errorf("--samps: %w", err)
		}
		samp = axisman.Range{Start: start, Stop: stop}
	}
	return det, samp, nil
}

func init() {
	resolveCmd.Flags().StringVar(&resolveDets, "dets", "", "Comma-separated detector labels to keep")
	resolveCmd.Flags().StringVar(&resolveSamps, "samps", "", "Sample range lo:hi to keep")
	resolveCmd.Flags().StringVarP(&resolveOut, "out", "o", "resolved.stash", "Output stash file (relative to data_root)")
	resolveCmd.Flags().StringVar(&resolveGroup, "group", "", "Output group name (default: the obs id)")
	resolveCmd.Flags().BoolVar(&resolveOverwrite, "overwrite", false, "Replace an existing output group")

	rootCmd.AddCommand(resolveCmd)
}
