package cli

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"fisheyepano/internal/config"
	"fisheyepano/internal/ingest"
	"fisheyepano/internal/logging"
	"fisheyepano/internal/metrics"
	"fisheyepano/internal/server"
	"fisheyepano/internal/storage"
)

// Version is reported by the version command.
var Version = "0.3.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fisheyepano",
		Short: "Stitch dual fisheye footage into a panorama stream",
		Long: `fisheyepano stitches the frames of two opposed fisheye cameras into a
stream of 360 degree panoramas. Registrations of neighbouring frames are
reused so that the seam stays stable from frame to frame.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func addRunFlags(cmd *cobra.Command, root *Root, opts *runOptions) {
	cmd.Flags().StringVarP(&opts.Output, "output", "o", root.cfg.Paths.DefaultOutput, "Output directory")
	cmd.Flags().StringVar(&opts.Policy, "policy", root.cfg.Stitching.Policy, "Stitching policy (double_side, no_direction_correction, once)")
	cmd.Flags().BoolVar(&opts.Serve, "serve", false, "Serve status endpoints while stitching")
}

func newRunCmd(root *Root) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Stitch a recorded pair of camera directories",
		Long: `Stitch every frame of a recording. The input directory holds one
subdirectory per camera, front camera first in name order; the n-th image of
each camera forms frame n.

Examples:
  fisheyepano run ./recording --output ./pano
  fisheyepano run ./recording --start 100 --limit 300 --policy once
  fisheyepano run ./recording --serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Input = root.cfg.Paths.DefaultInput
			if len(args) == 1 {
				opts.Input = args[0]
			}
			return root.Stitch(cmd.Context(), opts)
		},
	}

	addRunFlags(cmd, root, &opts)
	cmd.Flags().IntVar(&opts.Start, "start", 0, "Skip this many leading frames")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Stitch at most this many frames (0 for all)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		opts   runOptions
		settle time.Duration
		idle   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [input]",
		Short: "Stitch frames as they are written into the camera directories",
		Long: `Watch the camera directories of a live recording and stitch each frame
once every camera has delivered it. Images already present are stitched first.
The watch ends after --idle without new images, or on interrupt; frames
received until then are still stitched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Input = root.cfg.Paths.DefaultInput
			if len(args) == 1 {
				opts.Input = args[0]
			}
			return root.Watch(cmd.Context(), opts, ingest.WatchOptions{Settle: settle, Idle: idle})
		},
	}

	addRunFlags(cmd, root, &opts)
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "Time a file must be unchanged before it is read")
	cmd.Flags().DurationVar(&idle, "idle", 0, "Stop after this long without new images (0 waits for interrupt)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger over HTTP",
		Long: `Serve the runs and frame results recorded in the ledger, plus process
metrics. Live progress endpoints are only available during run --serve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "database", root.cfg.Paths.DatabasePath)
			srv := server.NewServer(addr, root.store, nil, metrics.New(), root.log)
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "Listen address")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the external stitching and encoding tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := root.toolFactory(root.cfg).GetToolStatus(cmd.Context())
			names := make([]string, 0, len(status))
			for name := range status {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				st := status[name]
				logging.LogToolStatus(root.log, name, st.Available, st.Version, st.Path, st.Error)
				if st.Available {
					fmt.Fprintf(out, "%-8s available  %s\n", name, st.Version)
					continue
				}
				fmt.Fprintf(out, "%-8s missing    %v\n", name, st.Error)
			}
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fisheyepano %s\n", Version)
		},
	}
}
