package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/anixart-desktop/mediahost/internal/media"
)

func newCacheCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or modify the media cache without starting the server",
		Long: `
The "cache" commands run the same operations as the loopback API against the
configured cache directory. Do not run them while "serve" uses the same
directory: index updates from the two processes are not coordinated.
`,
		DisableAutoGenTag: true,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:               "size",
			Short:             "Print the total size of cached files",
			Args:              cobra.NoArgs,
			DisableAutoGenTag: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := buildRuntime(opts)
				if err != nil {
					return err
				}
				size, err := rt.service.TotalSize(cmd.Context())
				if err != nil {
					return operationError("cache size", err)
				}
				stats := rt.service.Stats()
				fmt.Fprintf(stdOut, "%s (%d bytes, %d entries) in %s\n",
					humanize.IBytes(uint64(size)), size, stats.Entries, stats.Root)
				return nil
			},
		},
		&cobra.Command{
			Use:               "clear",
			Short:             "Delete every cached file",
			Args:              cobra.NoArgs,
			DisableAutoGenTag: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := buildRuntime(opts)
				if err != nil {
					return err
				}
				if err := rt.service.Clear(cmd.Context()); err != nil {
					return operationError("cache clear", err)
				}
				fmt.Fprintln(stdOut, "cache cleared")
				return nil
			},
		},
		&cobra.Command{
			Use:               "resolve <url>...",
			Short:             "Download URLs into the cache and print their local paths",
			Args:              cobra.MinimumNArgs(1),
			DisableAutoGenTag: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := buildRuntime(opts)
				if err != nil {
					return err
				}
				var failed error
				for _, rawURL := range args {
					asset, err := rt.service.Resolve(cmd.Context(), rawURL)
					if err != nil {
						fmt.Fprintf(stdErr, "%s: %s: %v\n", rawURL, media.Classify(err), err)
						failed = errors.Join(failed, err)
						continue
					}
					fmt.Fprintf(stdOut, "%s\t%s\n", asset.LocalPath, asset.ContentType)
				}
				if failed != nil {
					return operationError("cache resolve", failed)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:               "prefetch <url>...",
			Short:             "Warm the cache for a batch of URLs",
			Args:              cobra.MinimumNArgs(1),
			DisableAutoGenTag: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := buildRuntime(opts)
				if err != nil {
					return err
				}
				report := rt.service.Prefetch(cmd.Context(), args)
				for _, failure := range report.Failed {
					fmt.Fprintf(stdErr, "%s: %s: %v\n", failure.URL, media.Classify(failure.Err), failure.Err)
				}
				fmt.Fprintf(stdOut, "resolved %d, failed %d\n", report.Resolved, len(report.Failed))
				if len(report.Failed) > 0 {
					return &exitError{code: 1, err: fmt.Errorf("cache prefetch: %d url(s) failed", len(report.Failed))}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:               "copy <url> <destination>",
			Short:             "Resolve a URL and copy the cached file to destination",
			Args:              cobra.ExactArgs(2),
			DisableAutoGenTag: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := buildRuntime(opts)
				if err != nil {
					return err
				}
				if _, err := rt.service.Resolve(cmd.Context(), args[0]); err != nil {
					return operationError("cache copy", err)
				}
				if err := rt.service.CopyURL(cmd.Context(), args[0], args[1]); err != nil {
					return operationError("cache copy", err)
				}
				fmt.Fprintln(stdOut, args[1])
				return nil
			},
		},
	)
	return cmd
}

func operationError(op string, err error) error {
	return &exitError{code: 1, err: fmt.Errorf("%s: %w", op, err)}
}
