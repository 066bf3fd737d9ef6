package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bpmnflow",
		Short: "Run and drive BPMN workflow instances",
	}
	cobra.OnInitialize(func() { initConfig() })
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./bpmnflow.yaml)")
	root.AddCommand(newRunCmd())
	return root
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("bpmnflow")
		viper.AddConfigPath(".")
	}
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Println("bpmnflow: error reading config file:", err)
		}
	}
}
