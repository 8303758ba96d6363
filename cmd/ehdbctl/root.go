package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Giulio2002/ehdb"
)

var (
	// Global flags
	backendName string
	pageSize    int
	verbose     bool
	jsonOut     bool
)

var rootCmd = &cobra.Command{
	Use:   "ehdbctl",
	Short: "Inspect ehdb storage directories",
	Long: `ehdbctl opens an ehdb storage directory and reports on the files it
holds, verifies hash tables, and dumps page headers of data files.

Options not given on the command line are read from EHDB_* environment
variables.`,
	Version:       ehdb.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "Backend: file, bolt or mdbx")
	rootCmd.PersistentFlags().IntVar(&pageSize, "page-size", 0, "Page size the directory was created with")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// options builds database options from the environment and global flags.
func options() (ehdb.Options, error) {
	opts, err := ehdb.OptionsFromEnv(ehdb.DefaultOptions())
	if err != nil {
		return opts, err
	}
	if backendName != "" {
		if err := opts.SetBackend(backendName); err != nil {
			return opts, err
		}
	}
	if pageSize != 0 {
		if err := opts.SetPageSize(pageSize); err != nil {
			return opts, err
		}
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return opts, nil
}

func openDB(dir string) (*ehdb.DB, error) {
	opts, err := options()
	if err != nil {
		return nil, err
	}
	if opts.Backend == ehdb.BackendMemory {
		return nil, fmt.Errorf("the memory backend has nothing to inspect")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	return ehdb.Open(dir, opts)
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
