package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/toolmount/mount"
)

func (a *app) newMountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mounts",
		Short: "Validate and print a mounts file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The serve command owns the viper binding of this key.
			path, _ := cmd.Flags().GetString("mounts")
			if path == "" {
				path = a.v.GetString(mountsKey)
			}
			if path = strings.TrimSpace(path); path == "" {
				return fmt.Errorf("--mounts is required")
			}
			return printMounts(cmd.OutOrStdout(), path)
		},
	}
	cmd.Flags().StringP("mounts", "m", "", "YAML mounts file")
	return cmd
}

func printMounts(out io.Writer, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	cfg, err := mount.LoadServersConfig(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d servers, %s, modified %s\n\n",
		path, len(cfg.Servers), humanize.Bytes(uint64(st.Size())), humanize.Time(st.ModTime()))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tTARGET\tPINNED")
	for _, name := range cfg.Names() {
		spec := cfg.Servers[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", name, spec.Kind(), target(spec), spec.Pinned)
	}
	return tw.Flush()
}

func target(spec mount.ServerSpec) string {
	if spec.Kind() == mount.TransportHTTP {
		return spec.URL
	}
	argv, err := spec.Argv()
	if err != nil {
		return spec.Command
	}
	return strings.Join(argv, " ")
}
