package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pwn-gpsd/internal/config"
	"pwn-gpsd/internal/logging"
	"pwn-gpsd/internal/mesh"
	"pwn-gpsd/internal/notify"
	"pwn-gpsd/internal/peercrypt"
	"pwn-gpsd/internal/proxy"
	"pwn-gpsd/internal/track"
	"pwn-gpsd/internal/udp"
	"pwn-gpsd/internal/web"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// execute runs the command line and maps the outcome to a process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return proxy.ExitOK
	}
	var fe *proxy.FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	fmt.Fprintln(stderr, "error:", err)
	return proxy.ExitConfig
}

type options struct {
	configPath  string
	port        int
	server      string
	kount       int
	minPeriod   int
	decimals    int
	altPrec     float64
	share       bool
	useShared   bool
	password    string
	quiet       bool
	verbose     bool
	stateDir    string
	handshakes  string
	reconnect   bool
	httpListen  string
	mqttBroker  string
	udpDest     string
	cipher      string
	logFile     string
	journalMode bool
}

// runFunc starts the proxy with a resolved configuration.
type runFunc func(ctx context.Context, cfg config.Config, o options, console io.Writer) error

func newRootCmd() *cobra.Command {
	return newRootCmdWith(runProxy)
}

func newRootCmdWith(run runFunc) *cobra.Command {
	var o options
	root := &cobra.Command{
		Use:   "pwn-gpsd",
		Short: "Low-bandwidth gpsd proxy with mesh position sharing",
		Long: `pwn-gpsd relays a gpsd stream to any number of clients, forwarding a position only
when it moved, climbed, or the heartbeat expired. Accepted positions go to daily track files.
Without a fix of its own it can fuse encrypted positions advertised by nearby peers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, o, cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	pf.StringVarP(&o.password, "password", "P", "", "passphrase for positions shared with peers")
	pf.StringVar(&o.cipher, "cipher", "", "peer position cipher: fernet or xchacha")
	pf.StringVar(&o.stateDir, "state-dir", "", "directory for track files and the current position")
	pf.StringVar(&o.handshakes, "handshake-dir", "", "pwnagotchi handshake directory")

	f := root.Flags()
	f.IntVarP(&o.port, "port", "p", 0, "local port for the proxy (default 7492)")
	f.StringVarP(&o.server, "server", "s", "", `upstream gpsd host:port, serial:///dev/tty?baud=N, or "none" for peers only`)
	f.IntVarP(&o.kount, "kount", "k", 0, "stop after this many loop iterations (testing)")
	f.IntVarP(&o.minPeriod, "min-period", "m", 0, "minimum seconds between position updates (default 10)")
	f.IntVarP(&o.decimals, "decimals", "d", 0, "lat/lon decimal places that count as movement (default 5)")
	f.Float64VarP(&o.altPrec, "alt-precision", "a", 0, "altitude change in meters that counts as a climb (default 1)")
	f.BoolVarP(&o.share, "share", "S", false, "share this node's position with mesh peers")
	f.BoolVarP(&o.useShared, "use-shared", "U", false, "fuse peer positions when there is no direct fix")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "only log warnings and errors")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&o.reconnect, "reconnect", false, "reconnect to upstream instead of exiting when it fails")
	f.StringVar(&o.httpListen, "http", "", "serve the status API and map on this address")
	f.StringVar(&o.mqttBroker, "mqtt-broker", "", "publish positions to this MQTT broker, e.g. tcp://127.0.0.1:1883")
	f.StringVar(&o.udpDest, "udp-dest", "", "send each position as a UDP datagram to host:port")
	f.StringVar(&o.logFile, "log-file", "", "also append logs to this file")
	f.BoolVar(&o.journalMode, "journal", false, "omit console timestamps (when running under systemd)")
	root.MarkFlagsMutuallyExclusive("quiet", "verbose")

	root.AddCommand(newCaptureCmd(&o), newPeekCmd(&o), newTracksCmd(&o), newSimulateCmd())
	return root
}

// load reads the config file, if any, and applies the flags the user set on top.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("config load failed: %w", err)
		}
		cfg = c
	}

	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("port") {
		cfg.Listen.Port = o.port
	}
	if changed("server") {
		cfg.Upstream.Server = o.server
	}
	if changed("kount") {
		cfg.Loop.Iterations = o.kount
	}
	if changed("min-period") {
		cfg.Filter.MinPeriod = time.Duration(o.minPeriod) * time.Second
		// The share rate follows the filter unless the file pins it.
		if o.configPath == "" {
			cfg.Peers.ShareMinInterval = cfg.Filter.MinPeriod
		}
		if cfg.Filter.Heartbeat < cfg.Filter.MinPeriod {
			cfg.Filter.Heartbeat = cfg.Filter.MinPeriod
		}
	}
	if changed("decimals") {
		cfg.Filter.Decimals = o.decimals
	}
	if changed("alt-precision") {
		cfg.Filter.AltPrecision = o.altPrec
	}
	if changed("share") {
		cfg.Peers.Share = o.share
	}
	if changed("use-shared") {
		cfg.Peers.UseShared = o.useShared
	}
	if changed("password") {
		cfg.Peers.Password = o.password
	}
	if changed("cipher") {
		cfg.Peers.Cipher = o.cipher
	}
	if changed("state-dir") {
		cfg.Track.StateDir = o.stateDir
	}
	if changed("handshake-dir") {
		cfg.Track.HandshakeDir = o.handshakes
	}
	if changed("reconnect") {
		cfg.Upstream.Reconnect = o.reconnect
	}
	if changed("http") {
		cfg.Web.Enable = o.httpListen != ""
		if o.httpListen != "" {
			cfg.Web.Listen = o.httpListen
		}
	}
	if changed("mqtt-broker") {
		cfg.MQTT.Broker = o.mqttBroker
	}
	if changed("udp-dest") {
		cfg.UDP.Dest = o.udpDest
	}
	if changed("quiet") && o.quiet {
		cfg.Log.Level = "warn"
	}
	if changed("verbose") && o.verbose {
		cfg.Log.Level = "debug"
	}
	if changed("log-file") {
		cfg.Log.File = o.logFile
	}

	if err := cfg.Finalize(); err != nil {
		return config.Config{}, fmt.Errorf("config validate failed: %w", err)
	}
	return cfg, nil
}

func newBox(cfg config.Config) (*peercrypt.Box, error) {
	codec, err := peercrypt.NewCodec(cfg.Peers.Cipher, cfg.Peers.Password)
	if err != nil {
		return nil, err
	}
	if f, ok := codec.(*peercrypt.Fernet); ok {
		f.TTL = cfg.Peers.TokenTTL
	}
	return peercrypt.NewBox(codec), nil
}

func runProxy(ctx context.Context, cfg config.Config, o options, console io.Writer) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logs := web.NewLogBuffer(2000)
	log, logCloser, err := logging.New(logging.Options{
		Level:   level,
		Console: console,
		NoTime:  o.journalMode,
		File:    cfg.Log.File,
		Sink:    logs,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	box, err := newBox(cfg)
	if err != nil {
		return err
	}

	var grid mesh.Mesh
	if cfg.MeshEnabled() {
		grid = mesh.NewPwngrid(cfg.Peers.PwngridURL, 10*time.Second)
	}

	var store *track.Store
	if cfg.Track.StateDir != "" {
		if err := os.MkdirAll(cfg.Track.StateDir, 0o755); err != nil {
			log.Warn("track files disabled", "dir", cfg.Track.StateDir, "error", err)
		} else {
			store = track.NewStore(cfg.Track.StateDir)
		}
	}

	status := web.NewStatus()
	positions := web.NewPositionBroadcaster()
	notifiers := notify.Multi{positions}
	if cfg.MQTT.Broker != "" {
		m, err := notify.DialMQTT(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Logger:   log.With("component", "mqtt"),
		})
		if err != nil {
			// The proxy still works without the broker.
			log.Warn("mqtt disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			defer m.Close()
			notifiers = append(notifiers, m)
		}
	}

	if cfg.UDP.Dest != "" {
		b, err := udp.NewBroadcaster(cfg.UDP.Dest, log.With("component", "udp"))
		if err != nil {
			log.Warn("udp positions disabled", "dest", cfg.UDP.Dest, "error", err)
		} else {
			defer b.Close()
			notifiers = append(notifiers, b)
		}
	}

	srv, err := proxy.New(proxy.Options{
		Config:   cfg,
		Logger:   log,
		Box:      box,
		Mesh:     grid,
		Store:    store,
		Notifier: notifiers,
		Status:   status,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	webDone := make(chan struct{})
	if cfg.Web.Enable {
		deps := web.Deps{
			Status:       status,
			Positions:    positions,
			Logs:         logs,
			HandshakeDir: cfg.Track.HandshakeDir,
			Logger:       log.With("component", "web"),
		}
		if cfg.Track.StateDir != "" {
			deps.Tracks = web.NewTracks(cfg.Track.StateDir, cfg.Track.RecentDays, cfg.Track.ReloadInterval)
		}
		go func() {
			defer close(webDone)
			log.Info("web listening", "addr", cfg.Web.Listen)
			if err := web.Serve(ctx, cfg.Web.Listen, deps); err != nil && ctx.Err() == nil {
				log.Warn("web server stopped", "error", err)
			}
		}()
	} else {
		close(webDone)
	}

	upstreamDesc := cfg.Upstream.Server
	if cfg.FusionOnly() {
		upstreamDesc = config.NoUpstream
	}
	log.Info("pwn-gpsd starting",
		"listen", cfg.ListenAddr(),
		"upstream", upstreamDesc,
		"share", cfg.Peers.Share,
		"use_shared", cfg.Peers.UseShared,
		"state_dir", cfg.Track.StateDir,
	)
	err = srv.Run(ctx)
	cancel()
	<-webDone
	if err != nil {
		var fe *proxy.FatalError
		if !errors.As(err, &fe) {
			err = &proxy.FatalError{Code: proxy.ExitCode(err), Err: err}
		}
	}
	return err
}
