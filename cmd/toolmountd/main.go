// Command toolmountd serves a compositor of MCP servers over streamable HTTP.
//
//	toolmountd serve --listen 127.0.0.1:8765 --mounts mounts.yaml --docker-image alpine:3.20
//	toolmountd exec --timeout-ms 5000 -- ls -la
//	toolmountd mounts --mounts mounts.yaml
//
// Every flag can also be set through a TOOLMOUNT_* environment variable or
// the YAML file named by --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jonwraymond/toolmount/internal/logging"
)

const (
	configKey    = "config"
	logLevelKey  = "log.level"
	logFormatKey = "log.format"
	envPrefix    = "TOOLMOUNT"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx = withSignalCancel(ctx)
	a := newApp()
	if _, err := a.root.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries what every subcommand shares.
type app struct {
	v      *viper.Viper
	root   *cobra.Command
	logger *zap.Logger
}

func newApp() *app {
	a := &app{v: viper.New(), logger: zap.NewNop()}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	a.root = &cobra.Command{
		Use:           "toolmountd",
		Short:         "Mount MCP servers under prefixes and serve them as one",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}

	flags := a.root.PersistentFlags()
	flags.StringP("config", "c", "", "YAML config file (keys mirror the flags)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	a.mustBindFlag(configKey, flags.Lookup("config"))
	a.mustBindFlag(logLevelKey, flags.Lookup("log-level"))
	a.mustBindFlag(logFormatKey, flags.Lookup("log-format"))

	a.root.AddCommand(a.newServeCommand())
	a.root.AddCommand(a.newExecCommand())
	a.root.AddCommand(a.newMountsCommand())
	return a
}

func (a *app) setup(cmd *cobra.Command) error {
	if path := a.v.GetString(configKey); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	logger, err := logging.New(logging.Config{
		Level:  a.v.GetString(logLevelKey),
		Format: a.v.GetString(logFormatKey),
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.logger = logger.With(zap.String("app", "toolmountd"))
	return nil
}

func (a *app) mustBindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
