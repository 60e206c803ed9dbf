package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/axisdb/internal/manifest"
)

var (
	exactFields []string
	rangeFields []string
	dataFields  []string

	entryFile    string
	entryDataset string
	entryReplace bool
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Create and query manifest indexes",
}

var manifestCreateCmd = &cobra.Command{
	Use:   "create [index.sqlite]",
	Short: "Create a new manifest index with the given scheme",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scheme := manifest.NewScheme()
		for _, f := range exactFields {
			scheme.AddExactMatch(f)
		}
		for _, f := range rangeFields {
			scheme.AddRangeMatch(f)
		}
		for _, f := range dataFields {
			scheme.AddDataField(f)
		}
		ix, err := manifest.Create(args[0], scheme)
		if err != nil {
			return err
		}
		defer func() { _ = ix.Close() }()
		fmt.Printf("Created %s with %d scheme fields.\n", args[0], len(scheme.Fields()))
		return nil
	},
}

var manifestAddCmd = &cobra.Command{
	Use:   "add [index.sqlite] [key=value ...]",
	Short: "Add one entry; range keys take lo:hi values",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if entryFile == "" {
			return fmt.Errorf("--file is required")
		}
		ix, err := manifest.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = ix.Close() }()

		keys, err := parseEntryKeys(ix.Scheme(), args[1:])
		if err != nil {
			return err
		}
		loc := manifest.Locator{Filename: entryFile, Dataset: entryDataset}
		if err := ix.AddEntry(keys, loc, entryReplace); err != nil {
			return err
		}
		fmt.Printf("Added entry -> %s:%s\n", loc.Filename, loc.Dataset)
		return nil
	},
}

var manifestQueryCmd = &cobra.Command{
	Use:   "query [index.sqlite] [key=value ...]",
	Short: "List matching entries, best match first",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := manifest.OpenReadOnly(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = ix.Close() }()

		keys, err := parseQueryKeys(args[1:])
		if err != nil {
			return err
		}
		matches, err := ix.Query(keys, nil)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range matches {
			fmt.Printf("%s:%s\n", m.Filename, m.Dataset)
		}
		return nil
	},
}

func splitPair(arg string) (string, string, error) {
	k, v, ok := strings.Cut(arg, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("want key=value, got %q", arg)
	}
	return k, v, nil
}

// parseEntryKeys types each value by its scheme field: range fields take
// lo:hi spans, everything else a number or a string.
func parseEntryKeys(scheme *manifest.Scheme, args []string) (map[string]any, error) {
	kinds := make(map[string]manifest.Kind)
	for _, f := range scheme.Fields() {
		kinds[f.Name] = f.Kind
	}
	keys := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, err := splitPair(arg)
		if err != nil {
			return nil, err
		}
		if kinds[k] == manifest.KindRange {
			lo, hi, ok := strings.Cut(v, ":")
			if !ok {
				return nil, fmt.Errorf("range field %q wants lo:hi, got %q", k, v)
			}
			flo, err := strconv.ParseFloat(lo, 64)
			if err != nil {
				return nil, fmt.Errorf("range field %q: %w", k, err)
			}
			fhi, err := strconv.ParseFloat(hi, 64)
			if err != nil {
				return nil, fmt.Errorf("range field %q: %w", k, err)
			}
			keys[k] = manifest.Span{Lo: flo, Hi: fhi}
			continue
		}
		keys[k] = parseScalar(v)
	}
	return keys, nil
}

func parseQueryKeys(args []string) (map[string]any, error) {
	keys := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, err := splitPair(arg)
		if err != nil {
			return nil, err
		}
		keys[k] = parseScalar(v)
	}
	return keys, nil
}

func parseScalar(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func init() {
	manifestCreateCmd.Flags().StringArrayVar(&exactFields, "exact", nil, "Exact-match scheme field (repeatable)")
	manifestCreateCmd.Flags().StringArrayVar(&rangeFields, "range", nil, "Range-match scheme field (repeatable)")
	manifestCreateCmd.Flags().StringArrayVar(&dataFields, "data", nil, "Data scheme field (repeatable)")

	manifestAddCmd.Flags().StringVar(&entryFile, "file", "", "Data file the entry points at")
	manifestAddCmd.Flags().StringVar(&entryDataset, "dataset", "", "Dataset (stash group) within the file")
	manifestAddCmd.Flags().BoolVar(&entryReplace, "replace", false, "Supersede an existing entry with the same key")

	manifestCmd.AddCommand(manifestCreateCmd, manifestAddCmd, manifestQueryCmd)
	rootCmd.AddCommand(manifestCmd)
}
