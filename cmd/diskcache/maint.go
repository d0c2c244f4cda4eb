package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/IvanBrykalov/diskcache/backend"
	"github.com/IvanBrykalov/diskcache/cache"
	"github.com/IvanBrykalov/diskcache/policy"
	"github.com/IvanBrykalov/diskcache/policy/lru"
	"github.com/IvanBrykalov/diskcache/policy/ttl"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the cache directory, registry and disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			doc, err := s.Registry().Load(cmd.Context())
			if err != nil {
				return err
			}
			files, size, err := artifactUsage(s.Dir())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dir:       %s\n", s.Dir())
			fmt.Fprintf(out, "registry:  %s\n", s.Registry().Path())
			fmt.Fprintf(out, "stored:    %d (lifetime total)\n", doc.Total)
			fmt.Fprintf(out, "rows:      %d\n", doc.Len())
			fmt.Fprintf(out, "artifacts: %d files, %s\n", files, humanize.Bytes(size))
			if u, err := disk.Usage(s.Dir()); err == nil {
				fmt.Fprintf(out, "volume:    %s free of %s (%.1f%% used)\n",
					humanize.Bytes(u.Free), humanize.Bytes(u.Total), u.UsedPercent)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nFUNCTION\tROWS")
			for _, fn := range doc.Functions() {
				rows, _ := doc.Entries(fn)
				fmt.Fprintf(tw, "%s\t%d\n", fn, len(rows))
			}
			return tw.Flush()
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [function]",
		Short: "List registry rows with artifact size and age",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			doc, err := s.Registry().Load(cmd.Context())
			if err != nil {
				return err
			}
			fns := doc.Functions()
			if len(args) == 1 {
				fns = args
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FUNCTION\tFILE\tSIZE\tMODIFIED\tMAX AGE")
			for _, fn := range fns {
				rows, _ := doc.Entries(fn)
				for _, e := range rows {
					size, mod := "missing", "-"
					if fi, err := os.Stat(s.Registry().ArtifactPath(e.FileName)); err == nil {
						size = humanize.Bytes(uint64(fi.Size()))
						mod = humanize.Time(fi.ModTime())
					}
					maxAge := "unlimited"
					if e.MaxAgeDays > 0 {
						maxAge = fmt.Sprintf("%dd", e.MaxAgeDays)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", fn, e.FileName, size, mod, maxAge)
				}
			}
			return tw.Flush()
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	var maxEntries int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Drop expired and orphaned rows and delete their artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			opt := cache.OptionsFromConfig(cfg)
			opt.Logger = a.log
			opt.SkipSweep = true
			opt.Policy = ttl.New()
			if maxEntries > 0 {
				opt.Policy = policy.Chain(ttl.New(), lru.New(maxEntries))
			}
			s, err := cache.Open(cmd.Context(), opt)
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Now()
			r, err := s.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kept=%d dropped=%d evicted=%d compacted=%d in %v\n",
				r.Kept, r.Dropped, r.Evicted, r.Compacted, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxEntries, "max-entries", 0, "keep at most N rows per function, evicting the least recently written (0 = no cap)")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <function>",
		Short: "Remove every row and artifact of a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.ClearFunction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d rows of %s\n", n, args[0])
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Rename artifacts to the names derived from their signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %d artifacts\n", n)
			return nil
		},
	}
}

// artifactUsage counts the artifact files in dir and their total size.
func artifactUsage(dir string) (int, uint64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	var (
		n    int
		size uint64
	)
	for _, e := range ents {
		if e.IsDir() || !backend.IsArtifact(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		n++
		size += uint64(fi.Size())
	}
	return n, size, nil
}
