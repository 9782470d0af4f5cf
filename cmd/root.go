package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"PlatesRelay/global/config"
)

var (
	cfgFile string
	v       = viper.New()
)

var (
	Version   = "dev"
	BuildTime = "undefined"
	GitHash   = "undefined"
)

// RootCmd is the relay binary.
var RootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Plates real-time relay",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cmd.UsageString())
		os.Exit(2)
	},
}

// Execute is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	RootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	_ = v.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))

	RootCmd.AddCommand(versionCmd)
}

// initConfig registers defaults and env bindings and reads the optional
// config file. Decoding and validation happen in each command.
func initConfig() {
	config.SetDefaults(v)
	config.BindEnv(v)
	if cfgFile == "" {
		return
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "could not read config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay %s (%s, built %s)\n", Version, GitHash, BuildTime)
	},
}
