package cmd

import (
	"fmt"
	"image"
	_ "image/png" // register PNG with image.Decode for --in files and --roi masks
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	jpeg2000 "github.com/corej2k/jpeg2000"
)

func newEncodeCmd() *cobra.Command {
	var (
		quality     int
		rate        float64
		lossless    bool
		tiles       string
		levels      int
		progression string
		mct         string
		tlm         string
		roiMask     string
		roiShift    int
		modes       string
	)

	c := &cobra.Command{
		Use:   "encode <in> <out>",
		Short: "Encode an image to JPEG 2000",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func() error {
				opts, err := buildEncodeOptions(quality, rate, lossless, tiles, levels, progression, mct, tlm)
				if err != nil {
					return err
				}
				if err := applyCodeBlockModes(opts, modes); err != nil {
					return err
				}
				if roiMask != "" {
					maskFile, err := os.Open(roiMask)
					if err != nil {
						return fmt.Errorf("opening ROI mask: %w", err)
					}
					mask, _, err := image.Decode(maskFile)
					maskFile.Close()
					if err != nil {
						return &jpeg2000.FormatError{Reason: "unrecognized ROI mask image format", Err: err}
					}
					opts.ROIMask = mask
					opts.ROIShift = roiShift
				}

				in, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer in.Close()

				img, _, err := image.Decode(in)
				if err != nil {
					// image.Decode only knows formats registered with
					// the image package; png is registered by the
					// side-effect import at the top of this file.
					return &jpeg2000.FormatError{Reason: "unrecognized input image format", Err: err}
				}

				out, err := os.Create(args[1])
				if err != nil {
					return fmt.Errorf("creating output: %w", err)
				}
				defer out.Close()

				return jpeg2000.Encode(out, img, opts)
			})
		},
	}

	pf := c.Flags()
	pf.IntVar(&quality, "quality", 0, "compression quality 1-100 (mutually exclusive with --rate/--lossless)")
	pf.Float64Var(&rate, "rate", 0, "target compression ratio, e.g. 20 for 20:1")
	pf.BoolVar(&lossless, "lossless", false, "use the reversible 5-3 wavelet and lossless compression")
	pf.StringVar(&tiles, "tiles", "", "tile size as WxH, e.g. 512x512 (default: single tile)")
	pf.IntVar(&levels, "levels", 0, "number of wavelet decomposition levels (default: library default)")
	pf.StringVar(&progression, "progression", "LRCP", "progression order: LRCP, RLCP, RPCL, PCRL, CPRL")
	pf.StringVar(&mct, "mct", "on", "multi-component transform: on or off")
	pf.StringVar(&tlm, "tlm", "off", "emit a tile-part length marker: on or off")
	pf.StringVar(&roiMask, "roi", "", "grayscale mask image selecting a MAXSHIFT region of interest")
	pf.IntVar(&roiShift, "roi-shift", 0, "MAXSHIFT bit-plane shift for the --roi region (default 8)")
	pf.StringVar(&modes, "modes", "", "comma-separated code-block coding modes: bypass, reset, termall, vcausal, pterm, segsym")
	return c
}

// applyCodeBlockModes maps the --modes flag's comma-separated switches
// onto the encoder's code-block style options.
func applyCodeBlockModes(opts *jpeg2000.Options, modes string) error {
	if modes == "" {
		return nil
	}
	for _, m := range strings.Split(modes, ",") {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "":
		case "bypass":
			opts.EnableBypass = true
		case "reset":
			opts.EnableResetContexts = true
		case "termall":
			opts.EnableTermAll = true
		case "vcausal":
			opts.EnableVertCausal = true
		case "pterm":
			opts.EnablePredictableTermination = true
		case "segsym":
			opts.EnableSegmentSymbols = true
		default:
			return &jpeg2000.ParameterError{Param: "modes", Reason: fmt.Sprintf("unknown code-block mode %q", m)}
		}
	}
	return nil
}

func buildEncodeOptions(quality int, rate float64, lossless bool, tiles string, levels int, progression, mct, tlm string) (*jpeg2000.Options, error) {
	set := 0
	if quality > 0 {
		set++
	}
	if rate > 0 {
		set++
	}
	if lossless {
		set++
	}
	if set > 1 {
		return nil, &jpeg2000.ParameterError{Param: "quality/rate/lossless", Reason: "at most one of --quality, --rate, --lossless may be set"}
	}

	opts := jpeg2000.DefaultOptions()
	opts.Lossless = lossless
	if quality > 0 {
		opts.Quality = quality
	}
	if rate > 0 {
		opts.CompressionRatio = rate
		opts.Quality = 0
	}
	if levels > 0 {
		opts.NumResolutions = levels + 1
	}

	prog, err := parseProgression(progression)
	if err != nil {
		return nil, err
	}
	opts.ProgressionOrder = prog

	if tiles != "" {
		w, h, err := parseWxH(tiles)
		if err != nil {
			return nil, &jpeg2000.ParameterError{Param: "tiles", Reason: err.Error()}
		}
		opts.TileSize = image.Point{X: w, Y: h}
	}

	switch strings.ToLower(mct) {
	case "on", "":
	case "off":
		opts.DisableMCT = true
	default:
		return nil, &jpeg2000.ParameterError{Param: "mct", Reason: "must be on or off"}
	}

	switch strings.ToLower(tlm) {
	case "off", "":
	case "on":
		opts.EnableTLM = true
	default:
		return nil, &jpeg2000.ParameterError{Param: "tlm", Reason: "must be on or off"}
	}

	return opts, nil
}

func parseProgression(s string) (jpeg2000.ProgressionOrder, error) {
	switch strings.ToUpper(s) {
	case "LRCP", "":
		return jpeg2000.LRCP, nil
	case "RLCP":
		return jpeg2000.RLCP, nil
	case "RPCL":
		return jpeg2000.RPCL, nil
	case "PCRL":
		return jpeg2000.PCRL, nil
	case "CPRL":
		return jpeg2000.CPRL, nil
	default:
		return 0, &jpeg2000.ParameterError{Param: "progression", Reason: fmt.Sprintf("unknown progression order %q", s)}
	}
}

func parseWxH(s string) (int, int, error) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected WxH, got %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width %q", parts[0])
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height %q", parts[1])
	}
	return w, h, nil
}
