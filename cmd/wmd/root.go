package main

import (
	"flag"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WMD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "wmd",
		Short:         "wmd: window state sync daemon",
		Long:          "wmd owns application windows, keeps their display surfaces in sync with the store feed each window follows and relays their commands back to the store.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// glog reads its flags from the Go flag set
			return flag.CommandLine.Parse(nil)
		},
	}

	// glog logs to files unless told otherwise
	flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().String("config", "", "path to the yaml config file (env WMD_CONFIG)")
	v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(v),
		newWatchCmd(v),
	)
	return rootCmd
}
