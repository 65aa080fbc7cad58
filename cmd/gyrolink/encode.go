package main

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/gyrolink/internal/orientation"
)

// encodeCmd represents the encode command
var encodeCmd = &cobra.Command{
	Use:   "encode <roll> <pitch> <yaw>",
	Short: "Print the payload a sample is sent as",
	Long: `Encodes one orientation sample exactly as the peripheral sends it.
Angles are radians unless --degrees is given. Flags go before the angles;
use -- when the first angle is negative.

Examples:
  gyrolink encode 1.0 0.5 -0.2
  gyrolink encode --degrees --hex 90 0 -45
  gyrolink encode -- -1.0 0 0`,
	Args: cobra.ExactArgs(3),
	RunE: runEncode,
}

var (
	encodeHex     bool
	encodeDegrees bool
)

func init() {
	encodeCmd.Flags().BoolVar(&encodeHex, "hex", false, "Output as hex string; text by default")
	encodeCmd.Flags().BoolVar(&encodeDegrees, "degrees", false, "Arguments are degrees")
	// negative angles after the first one are arguments, not shorthand flags
	encodeCmd.Flags().SetInterspersed(false)
}

// parseAngle accepts decimal numbers and the NaN/Infinity tokens of the wire format
func parseAngle(s string, degrees bool) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, fmt.Errorf("invalid angle %q: %w", s, err)
	}
	if degrees {
		v = v * math.Pi / 180
	}
	return float32(v), nil
}

func runEncode(cmd *cobra.Command, args []string) error {
	var vals [3]float32
	for i, a := range args {
		v, err := parseAngle(a, encodeDegrees)
		if err != nil {
			return err
		}
		vals[i] = v
	}

	payload := orientation.Encode(vals[0], vals[1], vals[2])
	if encodeHex {
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(payload))
		return nil
	}
	_, err := cmd.OutOrStdout().Write(payload)
	return err
}
