package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/gpsdash/internal/server"
)

const defaultConfigFile = "/etc/gpsdash/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := NewGpsdashCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func NewGpsdashCommand() *cobra.Command {
	o := DefaultGlobalOptions()
	cmd := &cobra.Command{
		Use:   "gpsdash",
		Short: "gpsdash is a GPS dashboard and gpsd client",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	o.Bind(cmd.PersistentFlags())
	cmd.AddCommand(NewCmdServe(o))
	cmd.AddCommand(NewCmdWatch(o))
	cmd.AddCommand(NewCmdDevices(o))
	cmd.AddCommand(NewCmdDevice(o))
	return cmd
}

// GlobalOptions are shared by every subcommand.
type GlobalOptions struct {
	ConfigFile string
	LogLevel   string
}

func DefaultGlobalOptions() *GlobalOptions {
	return &GlobalOptions{ConfigFile: defaultConfigFile}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to config file.")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Override the configured log level.")
}

// Load reads the config and builds the logger it describes.
func (o *GlobalOptions) Load() (*server.Config, *logrus.Logger, error) {
	cfg := server.LoadConfig(o.ConfigFile)
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.Logging), nil
}

func setupLogger(cfg server.LoggingConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return log
}
