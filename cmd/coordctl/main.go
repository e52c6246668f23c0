package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var defaultURLs = map[string]string{
	"coordinator_url": "http://localhost:8090",
	"saga_url":        "http://localhost:8091",
	"outbox_url":      "http://localhost:8092",
	"dlq_url":         "http://localhost:8093",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coordctl",
		Short:         "Operator CLI for the coordination services",
		Long:          `Inspect and drive transactions, sagas, outbox messages and dead letters.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.coordctl.yaml)")

	root.AddCommand(newTxCmd(), newSagaCmd(), newOutboxCmd(), newDLQCmd())
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	for k, v := range defaultURLs {
		viper.SetDefault(k, v)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".coordctl")
	}

	viper.SetEnvPrefix("COORDCTL")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config %s: %v\n", cfgFile, err)
	}
}

func main() {
	Execute()
}
