package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pwn-gpsd/internal/logging"
	"pwn-gpsd/internal/sim"
	"pwn-gpsd/internal/track"
)

func newCaptureCmd(o *options) *cobra.Command {
	var hostname, mac string
	cmd := &cobra.Command{
		Use:   "capture [capture-file...]",
		Short: "Write the current position next to capture files",
		Long: `capture stores the latest accepted position as <capture>.gps.json beside each capture
file, for handshake hooks that want to tag a capture with where it was taken. With --mac the
capture is named the way pwnagotchi names handshakes in the handshake directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			if mac != "" {
				if cfg.Track.HandshakeDir == "" {
					return errors.New("--mac needs track.handshake_dir")
				}
				args = append(args, filepath.Join(cfg.Track.HandshakeDir, track.CaptureBasename(hostname, mac)+".pcap"))
			}
			if len(args) == 0 {
				return errors.New("no capture file given")
			}
			current := filepath.Join(cfg.Track.StateDir, track.CurrentFile)
			tpv, err := track.ReadCurrent(current)
			if err != nil {
				return fmt.Errorf("no current position: %w", err)
			}
			var errs []error
			for _, capture := range args {
				path, err := track.WriteCaptureLocation(capture, tpv)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "access point name, used with --mac")
	cmd.Flags().StringVar(&mac, "mac", "", "access point MAC address")
	return cmd
}

func newPeekCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "peek <token>",
		Short: "Decrypt a position token advertised by a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			box, err := newBox(cfg)
			if err != nil {
				return err
			}
			v := box.Decrypt(args[0], nil)
			if v == nil {
				return errors.New("token does not decrypt with this passphrase")
			}
			// Peers wrap the gpsd line in a JSON string.
			if s, ok := v.(string); ok {
				var inner any
				if json.Unmarshal([]byte(s), &inner) == nil {
					v = inner
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
}

func newTracksCmd(o *options) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "tracks",
		Short: "Summarize the recent daily track files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Track.RecentDays
			}
			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tPOINTS\tSKIPPED\tLAST")
			var errs []error
			for _, prefix := range []string{track.DirectPrefix, track.PeerPrefix} {
				tracks, err := track.Recent(cfg.Track.StateDir, prefix, days, now)
				if err != nil {
					errs = append(errs, err)
				}
				for _, t := range tracks {
					last := "-"
					if p, ok := t.LastPoint(); ok {
						last = fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", t.Name, len(t.Points), t.Skipped, last)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if err := errors.Join(errs...); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "how many days back to list (default track.recent_days)")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	var (
		listen string
		walk   sim.Walk
		every  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a synthetic gpsd walking a figure-eight",
		Long: `simulate stands in for gpsd on a bench without a receiver. Point the proxy at it with
--server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closer, err := logging.New(logging.Options{Console: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer closer.Close()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			log.Info("simulated gpsd listening", "addr", ln.Addr().String(), "lat", walk.CenterLat, "lon", walk.CenterLon)
			srv := &sim.Server{Walk: walk, Interval: every, Logger: log}
			return srv.Serve(cmd.Context(), ln)
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", "127.0.0.1:2947", "address to serve the gpsd protocol on")
	f.Float64Var(&walk.CenterLat, "lat", 51.4779, "center latitude")
	f.Float64Var(&walk.CenterLon, "lon", -0.0015, "center longitude")
	f.Float64Var(&walk.AltMeters, "alt", 45, "mean altitude in meters")
	f.Float64Var(&walk.AltSwing, "alt-swing", 3, "altitude swing in meters")
	f.Float64Var(&walk.RadiusM, "radius", 200, "walk radius in meters")
	f.DurationVar(&walk.Period, "period", 10*time.Minute, "time for one lap")
	f.DurationVar(&every, "interval", time.Second, "time between reports")
	return cmd
}
