package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/node"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "narwhal",
		Short:         "DAG based BFT mempool and consensus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand())
	return root
}

func runCommand() *cobra.Command {
	var (
		name   string
		prefix string
		paths  []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one authority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.LoadConfig(prefix, name, paths...)
			if err != nil {
				return err
			}
			n, err := node.NewNode(conf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return n.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&name, "config", "c", "config", "name of the configuration file, without extension")
	cmd.Flags().StringVar(&prefix, "env-prefix", "", "prefix of the environment variables overriding the configuration")
	cmd.Flags().StringSliceVarP(&paths, "path", "p", nil, "directories searched for the configuration file")
	return cmd
}
