// Package main provides the emaclean CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

const version = "v0.1.0"

// klogFlags holds klog's flags; only -v is exposed, through --verbosity.
var klogFlags = func() *flag.FlagSet {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	return fs
}()

func main() {
	// Load env
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "emaclean: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func rootCmd() *cli.Command {
	var verbosity int
	flags := append(convertFlags(), &cli.IntFlag{
		Name:        "verbosity",
		Aliases:     []string{"v"},
		Usage:       "log verbosity (klog -v level)",
		Sources:     cli.EnvVars("EMACLEAN_VERBOSITY"),
		Destination: &verbosity,
	})

	return &cli.Command{
		Name:      "emaclean",
		Usage:     "Promote the EMA weights of a training checkpoint to the model weights",
		ArgsUsage: "<ckpt_path> <output_path>",
		Flags:     flags,
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			return ctx, klogFlags.Set("v", strconv.Itoa(verbosity))
		},
		Action:   convertAction,
		Commands: []*cli.Command{inspectCmd(), versionCmd()},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version",
		Action: func(_ context.Context, c *cli.Command) error {
			fmt.Fprintf(c.Root().Writer, "emaclean %s\n", version)
			return nil
		},
	}
}
