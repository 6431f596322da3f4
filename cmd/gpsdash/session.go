package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

// ClientOptions pick the daemon for the one-shot client commands.
type ClientOptions struct {
	*GlobalOptions

	Address string
	Output  string
}

func (o *ClientOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Address, "address", "a", o.Address, "gpsd address, overriding the config (host:port).")
	fs.StringVarP(&o.Output, "output", "o", o.Output, "Output format. One of: (table, json).")
}

func (o *ClientOptions) Validate() error {
	switch o.Output {
	case "", "table", "json":
		return nil
	}
	return fmt.Errorf("output format must be one of (table, json)")
}

// dial loads the config and opens a session to the daemon.
func (o *ClientOptions) dial(ctx context.Context) (*gpsd.Session, *logrus.Entry, error) {
	cfg, log, err := o.Load()
	if err != nil {
		return nil, nil, err
	}
	sc := cfg.GPS.Gpsd.Session
	if o.Address != "" {
		sc.Address = o.Address
	}
	entry := logrus.NewEntry(log)
	s := gpsd.New(sc, gpsd.WithLogger(entry))
	if err := s.Connect(ctx, sc.Address); err != nil {
		return nil, nil, err
	}
	return s, entry, nil
}
