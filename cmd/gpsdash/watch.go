package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

type WatchOptions struct {
	ClientOptions

	Device  string
	Classes []string
	Count   int
}

func NewCmdWatch(g *GlobalOptions) *cobra.Command {
	o := &WatchOptions{ClientOptions: ClientOptions{GlobalOptions: g}}
	cmd := &cobra.Command{
		Use:          "watch",
		Short:        "Stream gpsd reports to stdout as JSON lines.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.Count < 0 {
				return fmt.Errorf("count must not be negative")
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *WatchOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Address, "address", "a", o.Address, "gpsd address, overriding the config (host:port).")
	fs.StringVarP(&o.Device, "device", "d", o.Device, "Only stream reports from this device.")
	fs.StringSliceVar(&o.Classes, "class", o.Classes, "Only print these classes (e.g. TPV,SKY).")
	fs.IntVarP(&o.Count, "count", "n", o.Count, "Exit after printing this many reports; 0 streams forever.")
}

func (o *WatchOptions) Run(ctx context.Context, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, log, err := o.dial(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	p := newPrinter(out, o.Classes, o.Count, cancel)
	s.Subscribe(gpsd.ListenerFuncs{
		Object: p.print,
		Error: func(err error) {
			log.WithError(err).Debug("stream error")
		},
	})
	if _, err := s.Watch(ctx, gpsd.Watch{Enable: true, JSON: true, Device: o.Device}); err != nil && !p.finished() {
		return err
	}

	select {
	case <-ctx.Done():
		return p.err()
	case <-s.Done():
		if err := p.err(); err != nil {
			return err
		}
		if p.finished() {
			return nil
		}
		return fmt.Errorf("gpsd closed the connection")
	}
}

// printer writes reports as protocol lines, stopping once limit is reached.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	classes map[string]bool
	limit   int
	n       int
	werr    error
	stop    func()
}

func newPrinter(out io.Writer, classes []string, limit int, stop func()) *printer {
	p := &printer{out: out, limit: limit, stop: stop}
	if len(classes) > 0 {
		p.classes = make(map[string]bool, len(classes))
		for _, c := range classes {
			p.classes[strings.ToUpper(c)] = true
		}
	}
	return p
}

func (p *printer) print(obj gpsd.Object) {
	if p.classes != nil && !p.classes[obj.Class()] {
		return
	}
	line, err := gpsd.Encode(obj)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr != nil || (p.limit > 0 && p.n >= p.limit) {
		return
	}
	if _, err := fmt.Fprintf(p.out, "%s\n", line); err != nil {
		p.werr = err
		p.stop()
		return
	}
	p.n++
	if p.limit > 0 && p.n >= p.limit {
		p.stop()
	}
}

func (p *printer) finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit > 0 && p.n >= p.limit
}

func (p *printer) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.werr
}
