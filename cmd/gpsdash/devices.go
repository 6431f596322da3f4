package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

func NewCmdDevices(g *GlobalOptions) *cobra.Command {
	o := &ClientOptions{GlobalOptions: g}
	cmd := &cobra.Command{
		Use:          "devices",
		Short:        "List the receivers gpsd knows about.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			s, _, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			devs, err := s.Devices(cmd.Context())
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), o.Output, devs.Devices)
		},
	}
	o.Bind(cmd.Flags())
	return cmd
}

type DeviceOptions struct {
	ClientOptions

	BPS      int
	Parity   string
	StopBits int
	Native   bool
	Cycle    float64
}

func NewCmdDevice(g *GlobalOptions) *cobra.Command {
	o := &DeviceOptions{ClientOptions: ClientOptions{GlobalOptions: g}}
	cmd := &cobra.Command{
		Use:   "device [PATH]",
		Short: "Show one receiver's settings, or change them.",
		Long: "Without setting flags, prints the device's settings. Any of --bps, --parity,\n" +
			"--stopbits, --native or --cycle sends a change and prints the result.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			set, changing, err := o.settings(cmd.Flags(), path)
			if err != nil {
				return err
			}
			if changing && path == "" {
				return fmt.Errorf("changing settings needs a device path")
			}

			s, _, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var dev gpsd.Device
			if changing {
				dev, err = s.SetDevice(cmd.Context(), set)
			} else {
				dev, err = s.Device(cmd.Context(), path)
			}
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), o.Output, []gpsd.Device{dev})
		},
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *DeviceOptions) Bind(fs *pflag.FlagSet) {
	o.ClientOptions.Bind(fs)
	fs.IntVar(&o.BPS, "bps", o.BPS, "Line speed in bits per second.")
	fs.StringVar(&o.Parity, "parity", o.Parity, "Parity: N, O or E.")
	fs.IntVar(&o.StopBits, "stopbits", o.StopBits, "Stop bits: 1 or 2.")
	fs.BoolVar(&o.Native, "native", o.Native, "Switch to the vendor binary protocol (false for NMEA).")
	fs.Float64Var(&o.Cycle, "cycle", o.Cycle, "Reporting cycle in seconds.")
}

// settings builds the change request from the flags that were set.
func (o *DeviceOptions) settings(fs *pflag.FlagSet, path string) (gpsd.DeviceSettings, bool, error) {
	set := gpsd.DeviceSettings{Path: path}
	changing := false
	if fs.Changed("bps") {
		if o.BPS <= 0 {
			return set, false, fmt.Errorf("bps must be positive")
		}
		set.BPS, changing = o.BPS, true
	}
	if fs.Changed("parity") {
		switch p := gpsd.Parity(o.Parity); p {
		case gpsd.ParityNone, gpsd.ParityOdd, gpsd.ParityEven:
			set.Parity, changing = p, true
		default:
			return set, false, fmt.Errorf("parity must be one of N, O, E")
		}
	}
	if fs.Changed("stopbits") {
		if o.StopBits != 1 && o.StopBits != 2 {
			return set, false, fmt.Errorf("stopbits must be 1 or 2")
		}
		set.StopBits, changing = o.StopBits, true
	}
	if fs.Changed("native") {
		native := o.Native
		set.Native, changing = &native, true
	}
	if fs.Changed("cycle") {
		if o.Cycle <= 0 {
			return set, false, fmt.Errorf("cycle must be positive")
		}
		set.Cycle, changing = o.Cycle, true
	}
	return set, changing, nil
}

func printDevices(out io.Writer, format string, devs []gpsd.Device) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		for _, d := range devs {
			if err := enc.Encode(d); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tDRIVER\tLINE\tMODE\tCYCLE\tACTIVATED")
	for _, d := range devs {
		mode := "nmea"
		if d.Native {
			mode = "binary"
		}
		activated := "closed"
		if d.IsActive() {
			activated = d.ActivatedTime().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d %s%d\t%s\t%gs\t%s\n",
			d.Path, d.Driver, d.BPS, d.Parity, d.StopBits, mode, d.Cycle, activated)
	}
	return w.Flush()
}
