package cmd

import (
	"bufio"
	"fmt"
	"image/png"
	"os"

	"github.com/spf13/cobra"

	jpeg2000 "github.com/corej2k/jpeg2000"
)

func newDecodeCmd() *cobra.Command {
	var (
		resolution int
		layers     int
		maxBytes   int64
	)

	c := &cobra.Command{
		Use:   "decode <in> <out>",
		Short: "Decode a JPEG 2000 image to PNG",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func() error {
				in, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer in.Close()

				cfg := &jpeg2000.Config{
					ReduceResolution: resolution,
					QualityLayers:    layers,
					MaxBytes:         int(maxBytes),
				}

				img, err := jpeg2000.DecodeConfig(in, cfg)
				if err != nil {
					return err
				}

				out, err := os.Create(args[1])
				if err != nil {
					return fmt.Errorf("creating output: %w", err)
				}
				defer out.Close()

				w := bufio.NewWriter(out)
				if err := png.Encode(w, img); err != nil {
					return fmt.Errorf("encoding PNG output: %w", err)
				}
				return w.Flush()
			})
		},
	}

	pf := c.Flags()
	pf.IntVar(&resolution, "resolution", 0, "resolution levels to skip (0 = full resolution)")
	pf.IntVar(&layers, "layers", 0, "quality layers to decode (0 = all)")
	pf.Int64Var(&maxBytes, "max-bytes", 0, "stop decoding after this many codestream bytes (0 = unlimited)")
	return c
}
