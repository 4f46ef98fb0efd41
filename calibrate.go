package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"stackcam/capture"
	"stackcam/config"
	"stackcam/dimension"
)

var (
	calLengthMM float64
	calHeightMM float64
	calWrite    bool
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate <image>",
	Short: "Derive mm-per-pixel from a reference sheet photo",
	Long: `Measures the largest bright object in the photo via its minimum-area
rectangle and ratios the known long side against the pixel extent. With
--at-height the result is appended to the height calibration table instead
of replacing the flat ratio; shoot a reference at several stack heights to
take parallax out of the dimension estimates.`,
	Args: cobra.ExactArgs(1),
	RunE: runCalibrate,
}

func init() {
	calibrateCmd.Flags().Float64Var(&calLengthMM, "length", 0, "reference object long side in millimetres (required)")
	calibrateCmd.Flags().Float64Var(&calHeightMM, "at-height", 0, "stack height in millimetres the photo was taken at")
	calibrateCmd.Flags().BoolVar(&calWrite, "write", false, "save the result back into the config file")
	calibrateCmd.MarkFlagRequired("length")
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	if calLengthMM <= 0 {
		return errors.New("--length must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	img, err := capture.ReadImage(args[0])
	if err != nil {
		return err
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(gray, &mask, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	longPx, shortPx, angle, ok := dimension.MaskExtentPx(mask)
	if !ok {
		return fmt.Errorf("no reference object found in %s", args[0])
	}

	ratio := calLengthMM / longPx
	fmt.Printf("reference    %.0f x %.0f px at %.1f deg\n", longPx, shortPx, angle)
	fmt.Printf("mm per pixel %.5f\n", ratio)
	fmt.Printf("cross check  %.1f x %.1f mm\n", longPx*ratio, shortPx*ratio)

	if calHeightMM > 0 {
		cfg.Dimension.Table = append(cfg.Dimension.Table,
			config.HeightRatio{StackHeightMM: calHeightMM, MMPerPixel: ratio})
		fmt.Printf("table entry  %.0f mm -> %.5f mm/px\n", calHeightMM, ratio)
	} else {
		cfg.Dimension.MMPerPixel = ratio
	}

	if calWrite {
		if cfgPath == "" {
			return errors.New("--write needs --config to know where to save")
		}
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Printf("saved %s\n", cfgPath)
	}
	return nil
}
