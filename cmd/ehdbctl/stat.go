package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Giulio2002/ehdb/pagestore"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stat <dir>",
		Short: "List files and page counts",
		Long: `The stat command lists every committed file in the directory with its
id and page count.

Example:
  ehdbctl stat ./data
  ehdbctl stat ./data --backend bolt --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(cmd, args[0])
		},
	})
}

type dirStats struct {
	Dir      string               `json:"dir"`
	Backend  string               `json:"backend"`
	PageSize int                  `json:"pageSize"`
	Files    []pagestore.FileInfo `json:"files"`
	Pages    uint64               `json:"pages"`
	Bytes    uint64               `json:"bytes"`
}

func runStat(cmd *cobra.Command, dir string) error {
	db, err := openDB(dir)
	if err != nil {
		return err
	}
	defer db.Close()

	st := dirStats{
		Dir:      dir,
		Backend:  string(db.Options().Backend),
		PageSize: db.Store().PageSize(),
		Files:    db.Store().Files(),
	}
	for _, f := range st.Files {
		st.Pages += uint64(f.Pages)
	}
	st.Bytes = st.Pages * uint64(st.PageSize)

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, st)
	}
	fmt.Fprintf(out, "Directory: %s\n", st.Dir)
	fmt.Fprintf(out, "Backend:   %s\n", st.Backend)
	fmt.Fprintf(out, "Page size: %d\n", st.PageSize)
	fmt.Fprintf(out, "Files:     %d (%d pages, %d bytes)\n", len(st.Files), st.Pages, st.Bytes)
	for _, f := range st.Files {
		fmt.Fprintf(out, "  %5d  %-32s %8d pages\n", f.ID, f.Name, f.Pages)
	}
	return nil
}
