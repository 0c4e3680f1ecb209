package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var follow bool

// terminalStatuses are the build states after which the console stops growing.
var terminalStatuses = map[string]bool{
	"success": true,
	"failure": true,
	"aborted": true,
	"timeout": true,
}

var consoleCmd = &cobra.Command{
	Use:   "console [build_id]",
	Short: "Print console output of a build",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		buildID := args[0]

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			os.Exit(0)
		}()

		client := NewBuildClient(viper.GetString("url"))
		printed := 0

		for {
			console, err := client.GetConsole(buildID)
			if err != nil {
				cmd.Printf("Error fetching console: %v\n", err)
				if !follow {
					break
				}
				time.Sleep(2 * time.Second) // Retry backoff
				continue
			}

			// The endpoint returns the whole console each time; only
			// print the part we have not shown yet.
			if len(console.Output) > printed {
				chunk := console.Output[printed:]
				cmd.Print(chunk)
				if !strings.HasSuffix(chunk, "\n") {
					cmd.Println()
				}
				printed = len(console.Output)
			}

			if !follow {
				break
			}

			build, err := client.GetBuild(buildID)
			if err == nil && terminalStatuses[build.Status] {
				break
			}

			time.Sleep(1 * time.Second)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow console output until the build finishes")
}
