package main

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/born-ml/emaclean/convert"
)

func convertFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "device",
			Usage:   "device to map storages to, e.g. cpu or cuda:0 (default: cuda if available, otherwise cpu)",
			Sources: cli.EnvVars("EMACLEAN_DEVICE"),
		},
		&cli.StringFlag{Name: "from", Usage: "state_dict key prefix to keep", Value: "ema.model"},
		&cli.StringFlag{Name: "to", Usage: "prefix that replaces --from", Value: "model.model"},
		&cli.StringFlag{Name: "format", Usage: "output format: pt or safetensors", Value: string(convert.FormatPT)},
		&cli.BoolFlag{Name: "keep-storages", Usage: "keep storages no tensor references after renaming"},
	}
}

func convertAction(ctx context.Context, c *cli.Command) error {
	if c.NArg() != 2 {
		_ = cli.ShowRootCommandHelp(c)
		return errors.New("expected <ckpt_path> and <output_path>")
	}

	// Absolute paths keep the printed lines unambiguous.
	input, err := filepath.Abs(c.Args().Get(0))
	if err != nil {
		return errors.Wrap(err, "failed to resolve ckpt_path")
	}
	output, err := filepath.Abs(c.Args().Get(1))
	if err != nil {
		return errors.Wrap(err, "failed to resolve output_path")
	}

	dev := convert.DefaultDevice()
	if name := c.String("device"); name != "" {
		if dev, err = convert.ParseDevice(name); err != nil {
			return err
		}
	}
	format, err := convert.ParseFormat(c.String("format"))
	if err != nil {
		return err
	}

	_, err = convert.Run(ctx, convert.Options{
		Input:        input,
		Output:       output,
		Device:       dev,
		FromPrefix:   c.String("from"),
		ToPrefix:     c.String("to"),
		Format:       format,
		KeepStorages: c.Bool("keep-storages"),
		Stdout:       c.Root().Writer,
	})
	if errors.Is(err, convert.ErrMissingStateDict) {
		// Already reported; nothing was written.
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "conversion failed")
	}
	return nil
}
