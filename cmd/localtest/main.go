// Command localtest runs the fetch and transform steps against a link
// without Telegram, writing results into an output directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wapuda/uniqbot/internal/config"
	"github.com/wapuda/uniqbot/internal/jobs"
	logx "github.com/wapuda/uniqbot/internal/logs"
	"github.com/wapuda/uniqbot/internal/media"
)

var outDir string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "localtest: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "localtest",
		Short:        "Run the media pipeline locally",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			lc := logx.FromEnv("localtest")
			lc.Format = "console"
			logx.Setup(lc)
		},
	}
	cmd.PersistentFlags().StringVarP(&outDir, "out", "o", "./out", "Output directory")
	cmd.AddCommand(newFetchCmd(), newUniqueCmd(), newCheckCmd())
	return cmd
}

func newFetchCmd() *cobra.Command {
	var transform bool
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download a link, optionally making it unique",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := config.Load()
			if !media.IsSupportedURL(args[0], c.SupportedHosts) {
				return fmt.Errorf("unsupported link %q (hosts: %v)", args[0], c.SupportedHosts)
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			sfx := jobs.ShortSuffix()
			in := filepath.Join(outDir, "in_"+sfx+".mp4")

			ctx, cancel := context.WithTimeout(cmd.Context(), c.DownloadTimeout)
			defer cancel()
			start := time.Now()
			if err := media.NewDownloader(c.YtDlpPath, c.FfmpegPath).Fetch(ctx, args[0], in); err != nil {
				return err
			}
			fmt.Printf("Downloaded: %s (%s)\n", in, time.Since(start).Round(time.Millisecond))
			if !transform {
				return nil
			}
			return unique(cmd.Context(), c, in, filepath.Join(outDir, "out_"+sfx+".mp4"))
		},
	}
	cmd.Flags().BoolVarP(&transform, "transform", "t", false, "Also make the download unique")
	return cmd
}

func newUniqueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unique <input.mp4> [amount]",
		Short: "Make one or more unique copies of a local file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := config.Load()
			amount := 1
			if len(args) == 2 {
				if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil || amount < 1 {
					return fmt.Errorf("amount must be a positive number")
				}
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			for i := 1; i <= amount; i++ {
				out := filepath.Join(outDir, fmt.Sprintf("out_%s_%d.mp4", jobs.ShortSuffix(), i))
				if err := unique(cmd.Context(), c, args[0], out); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <url>",
		Short: "Tell whether a link would be accepted",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := config.Load()
			fmt.Println(media.IsSupportedURL(args[0], c.SupportedHosts))
		},
	}
}

func unique(ctx context.Context, c config.Config, in, out string) error {
	tr := media.NewTransformer(c.FfmpegPath)
	ctx, cancel := context.WithTimeout(ctx, c.TransformTimeout)
	defer cancel()
	start := time.Now()
	if err := tr.Transform(ctx, in, out); err != nil {
		return err
	}
	fmt.Printf("Generated: %s (%s)\n", out, time.Since(start).Round(time.Millisecond))
	return nil
}
