// Package main is the durable command line: it runs workers and lets
// operators dispatch, signal and inspect workflows.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "durable",
	Short: "Durable workflow engine",
	Long: `durable runs workflow workers and operates on stored workflows.
- worker: pull and execute workflows until interrupted.
- dispatch: start a workflow by name with a JSON input.
- signal: deliver a signal to a workflow by id or by tags.
- get, history: inspect a workflow and its recorded events.
- wake, silence: resume a dead workflow or stop one from being pulled.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DURABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("driver", "", "storage driver (memory, redis, postgres, sqlite)")
	rootCmd.PersistentFlags().String("bus", "", "message bus (memory, redis, nats)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("driver", rootCmd.PersistentFlags().Lookup("driver"))
	_ = viper.BindPFlag("bus", rootCmd.PersistentFlags().Lookup("bus"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(wakeCmd())
	rootCmd.AddCommand(silenceCmd())
}
