package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonwraymond/toolmount/exec"
	"github.com/jonwraymond/toolmount/runtime"
	"github.com/jonwraymond/toolmount/runtime/backend/host"
)

func (a *app) newExecCommand() *cobra.Command {
	var (
		timeoutMs int
		cwd       string
		user      string
		env       []string
		maxBytes  int
	)
	cmd := &cobra.Command{
		Use:   "exec [flags] -- cmd [args...]",
		Short: "Run one command on this host and print the exec response as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []exec.InputOption{exec.WithTimeoutMs(timeoutMs)}
			if cmd.Flags().Changed("cwd") {
				opts = append(opts, exec.WithCwd(cwd))
			}
			if cmd.Flags().Changed("user") {
				opts = append(opts, exec.WithUser(user))
			}
			if len(env) > 0 {
				opts = append(opts, exec.WithEnv(env...))
			}
			return runExec(cmd.Context(), cmd.OutOrStdout(), exec.NewInput(args, opts...), maxBytes, a.logger)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&timeoutMs, "timeout-ms", exec.DefaultTimeoutMs, "timeout in milliseconds")
	flags.StringVar(&cwd, "cwd", "", "working directory")
	flags.StringVar(&user, "user", "", "user to run as")
	flags.StringArrayVarP(&env, "env", "e", nil, "NAME=value environment entry, repeatable")
	flags.IntVar(&maxBytes, "max-bytes", exec.MaxBytesCap, "bytes kept per stream")
	return cmd
}

func runExec(ctx context.Context, out io.Writer, in exec.Input, maxBytes int, logger *zap.Logger) error {
	if err := in.Validate(); err != nil {
		return err
	}
	runner := runtime.New(runtime.Config{
		Spawner:  host.New(host.Config{Logger: logger}),
		MaxBytes: maxBytes,
		Logger:   logger,
	})
	res, err := runner.Run(ctx, in)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
