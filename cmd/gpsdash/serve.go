package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/gpsdash/internal/gps"
	"github.com/shaunagostinho/gpsdash/internal/gpsd"
	"github.com/shaunagostinho/gpsdash/internal/monitor"
	"github.com/shaunagostinho/gpsdash/internal/relay"
	"github.com/shaunagostinho/gpsdash/internal/server"
	"github.com/shaunagostinho/gpsdash/web"
)

var (
	retryInitial = 1 * time.Second
	retryMax     = 60 * time.Second
)

type ServeOptions struct {
	*GlobalOptions

	Demo   bool
	Listen string
}

func NewCmdServe(g *GlobalOptions) *cobra.Command {
	o := &ServeOptions{GlobalOptions: g}
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the dashboard.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context())
		},
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ServeOptions) Bind(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Demo, "demo", o.Demo, "Run with simulated GPS data.")
	fs.StringVar(&o.Listen, "listen", o.Listen, "Override listen address (e.g. :8080).")
}

func (o *ServeOptions) Run(ctx context.Context) error {
	cfg, log, err := o.Load()
	if err != nil {
		return err
	}
	if o.Demo {
		cfg.GPS.Type = "demo"
	}
	if o.Listen != "" {
		cfg.Server.ListenAddr = o.Listen
	}
	entry := logrus.NewEntry(log)
	entry.Infof("gpsdash starting (gps=%s, config=%s)", cfg.GPS.Type, cfg.Path())

	var opts []server.Option
	opts = append(opts, server.WithLogger(entry))

	metrics := monitor.New(entry)
	if cfg.Metrics.Enabled {
		go metrics.RunRuntimeSampler(15*time.Second, ctx.Done())
		opts = append(opts, server.WithMetricsHandler(metrics.Handler()))
	}

	var gpsProv gps.Provider
	switch cfg.GPS.Type {
	case "gpsd":
		p := gps.NewGpsd(cfg.GPS.Gpsd, entry, gpsd.WithMetrics(metrics))
		if cfg.Relay.Enabled {
			if r, err := relay.Dial(ctx, cfg.Relay, entry); err != nil {
				entry.WithError(err).Warn("redis relay disabled")
			} else {
				defer r.Close()
				p.Session().Subscribe(r)
				go r.Run(ctx)
			}
		}
		gpsProv = p
	case "nmea":
		gpsProv = gps.NewNMEA(cfg.GPS.Serial, entry)
	case "demo":
		gpsProv = gps.NewDemoGPS()
	}
	if cfg.Relay.Enabled && cfg.GPS.Type != "gpsd" {
		entry.Warn("redis relay needs the gpsd provider, not starting it")
	}

	if gpsProv != nil {
		defer gpsProv.Close()
		go supervise(ctx, entry.WithField("provider", gpsProv.Name()), gpsProv)
	}

	srv := server.New(cfg, gpsProv, web.FS, opts...)
	return srv.Run(ctx)
}

// disconnecter is implemented by providers that can lose their source.
type disconnecter interface {
	Disconnected() <-chan struct{}
}

// supervise keeps p connected. A provider that reports disconnects is
// closed and reconnected each time its source drops.
func supervise(ctx context.Context, log *logrus.Entry, p gps.Provider) {
	d, watch := p.(disconnecter)
	for {
		if !connectWithRetry(ctx, log, p) {
			return
		}
		if !watch {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-d.Disconnected():
		}
		log.Warn("source lost, reconnecting")
		p.Close()
	}
}

// connectWithRetry attempts Connect with exponential backoff, starting at
// retryInitial and doubling up to retryMax. It reports false only when
// ctx ends first.
func connectWithRetry(ctx context.Context, log *logrus.Entry, p gps.Provider) bool {
	delay := retryInitial
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := p.Connect()
		if err == nil {
			log.Infof("connected (attempt %d)", attempt)
			return true
		}
		log.WithError(err).Warnf("connect attempt %d failed (retry in %v)", attempt, delay)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
}
