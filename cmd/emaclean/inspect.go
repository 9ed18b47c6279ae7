package main

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/born-ml/emaclean/internal/inspect"
)

func inspectCmd() *cli.Command {
	var (
		showTensors  bool
		showHash     bool
		showStats    bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a checkpoint or SafeTensors file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tensors", Usage: "list state_dict tensors", Destination: &showTensors},
			&cli.IntFlag{Name: "limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
			&cli.BoolFlag{Name: "hash", Usage: "show xxh3 hash of tensor bytes", Destination: &showHash},
			&cli.BoolFlag{Name: "stats", Usage: "show min/max/mean of tensor values", Destination: &showStats},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			if c.NArg() != 1 {
				return errors.New("expected <path>")
			}
			path, err := filepath.Abs(c.Args().First())
			if err != nil {
				return errors.Wrap(err, "failed to resolve path")
			}

			rep, err := inspect.Inspect(path, inspect.Options{
				Tensors: showTensors || showHash || showStats || tensorFilter != "",
				Limit:   tensorLimit,
				Filter:  tensorFilter,
				Hash:    showHash,
				Stats:   showStats,
			})
			if err != nil {
				return err
			}
			rep.Print(c.Root().Writer)
			return nil
		},
	}
}
