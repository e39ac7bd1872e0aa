package main

import (
	"fmt"
	"os"

	"github.com/darkit/protoid/internal/config"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "protoid",
		Short:         "Identify application protocols from leading payload bytes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML configuration file")

	root.AddCommand(
		newServeCommand(),
		newClassifyCommand(),
		newMatchCommand(),
		newSignaturesCommand(),
	)
	return root
}

// loadConfig 读取配置文件，未指定时使用默认配置
func loadConfig() (config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}
