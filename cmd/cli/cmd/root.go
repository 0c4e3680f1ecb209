package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "buildctl",
	Short: "Buildctl is a command line tool for interacting with the buildplane master",
	Long: `buildctl is the command-line interface for the BuildPlane CI master.

BuildPlane is a self-hosted continuous integration master that dispatches
builds to a pool of execution agents over SSH or into local containers.
The master owns the build queue, agent selection, and console capture;
agents only need an SSH daemon (or a Docker socket on the master host).

Common workflows:

  Create a job definition:
    buildctl create --name "smoke-tests" --type freestyle --script "make test"

  Trigger a build of an existing job:
    buildctl trigger <job-id> --param DEVICE=pixel-8

  Check build status:
    buildctl status <build-id>

  Follow console output:
    buildctl console <build-id> --follow

  Inspect the queue and the agent pool:
    buildctl queue
    buildctl pool

Configuration:
  Set the API endpoint via a flag, an environment variable or a config file:
    BUILDPLANE_URL    Master endpoint (default: http://localhost:7070)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".buildctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".buildctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BUILDPLANE_VARNAME"
	viper.SetEnvPrefix("BUILDPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.buildctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7070", "BuildPlane master URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
