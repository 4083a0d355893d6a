// Command granule downloads or inspects the granules listed in a YAML or
// JSON file using the executor configured in granule.yaml.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/granule"
	"github.com/zero-day-ai/granule/catalog"
	"github.com/zero-day-ai/granule/config"
	"github.com/zero-day-ai/granule/health"
	"github.com/zero-day-ai/granule/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	provider   string
	filter     string
	ordered    bool
	keepGoing  bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "granule",
		Short:         "Stream work over catalogs of remote data files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "path to granule.yaml or its directory")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.StringVar(&g.provider, "provider", "", "provider whose credentials are used")
	pf.StringVar(&g.filter, "filter", "", "CEL expression selecting granules, e.g. 'granule.cloud_hosted'")
	pf.BoolVar(&g.ordered, "ordered", false, "report results in list order")
	pf.BoolVar(&g.keepGoing, "keep-going", false, "continue past failed granules")

	root.AddCommand(newDownloadCmd(&g), newInspectCmd(&g), newCheckCmd(&g))
	return root
}

func newDownloadCmd(g *globalFlags) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "download <granules.yaml>",
		Short: "Download every granule in the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, src, err := setup(cmd.Context(), g, args[0])
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			s := client.Download(cmd.Context(), src, dir, streamOptions(g)...)
			return report(cmd.OutOrStdout(), s, func(o catalog.DownloadOutput) string {
				return fmt.Sprintf("%s\t%d bytes\t%v", o.ID, o.Bytes, o.Paths)
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory files are written to")
	return cmd
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <granules.yaml>",
		Short: "Read every granule and print its size and SHA-256",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, src, err := setup(cmd.Context(), g, args[0])
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			s := granule.Stream[catalog.Granule, catalog.InspectOutput](cmd.Context(), client, src, catalog.InspectTask, streamOptions(g)...)
			return report(cmd.OutOrStdout(), s, func(o catalog.InspectOutput) string {
				line := o.ID
				for _, l := range o.Links {
					line += fmt.Sprintf("\t%s %d %s", l.URL, l.Bytes, l.SHA256)
				}
				return line
			})
		},
	}
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the configured executor backends are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := &config.Config{}
			if g.configPath != "" {
				loaded, err := config.Load(g.configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			checks, err := health.ForConfig(cfg)
			if err != nil {
				return err
			}
			if dir != "" {
				checks = append(checks, health.Directory(dir))
			}

			results, overall := health.Run(cmd.Context(), checks...)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{"status": overall, "checks": results}); err != nil {
				return err
			}
			if overall.IsUnhealthy() {
				return fmt.Errorf("%s", overall.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "also check that this download directory is writable")
	return cmd
}

func setup(ctx context.Context, g *globalFlags, listPath string) (*granule.Client, stream.Source[catalog.Granule], error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", g.logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	granules, err := catalog.Load(listPath)
	if err != nil {
		return nil, nil, err
	}

	var src stream.Source[catalog.Granule] = stream.FromSlice(granules)
	if g.filter != "" {
		f, err := catalog.NewFilter(g.filter)
		if err != nil {
			return nil, nil, err
		}
		src = catalog.Filtered(src, f)
	}

	opts := []granule.Option{granule.WithLogger(logger), granule.WithProvider(g.provider)}
	if g.configPath != "" {
		opts = append(opts, granule.WithConfigFile(g.configPath))
	}
	client, err := granule.New(ctx, nil, opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, src, nil
}

func streamOptions(g *globalFlags) []stream.Option {
	var opts []stream.Option
	if g.ordered {
		opts = append(opts, stream.Ordered())
	}
	if g.keepGoing {
		opts = append(opts, stream.CollectAll())
	}
	return opts
}

func report[O any](w io.Writer, s *stream.Stream[O], format func(O) string) error {
	var failed int
	for r, err := range s.All(context.Background()) {
		switch {
		case r.Index < 0:
			return err
		case err != nil:
			failed++
			fmt.Fprintf(w, "#%d\tFAILED\t%v\n", r.Index, err)
		default:
			fmt.Fprintln(w, format(r.Value))
		}
	}

	st := s.Stats()
	fmt.Fprintf(w, "%d completed, %d failed\n", st.Completed, st.Failed)
	if failed > 0 {
		return fmt.Errorf("%d granules failed", failed)
	}
	return nil
}
