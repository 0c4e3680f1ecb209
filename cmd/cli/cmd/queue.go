package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the build queue",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		stats, err := client.GetQueueStats()
		if err != nil {
			cmd.Printf("Failed to get queue stats: %v\n", err)
			return
		}

		cmd.Printf("%sBuild Queue%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sWaiting:%s    %d\n", colorDim, colorReset, stats.WaitingCount)
		cmd.Printf("%sBlocked:%s    %d\n", colorDim, colorReset, stats.BlockedCount)
		cmd.Printf("%sBuildable:%s  %d\n", colorDim, colorReset, stats.BuildableCount)
		cmd.Printf("%sPending:%s    %d\n", colorDim, colorReset, stats.PendingCount)
		cmd.Printf("%sRunning:%s    %d\n", colorDim, colorReset, stats.RunningCount)
		cmd.Printf("%sLifetime:%s   %d queued, %d completed\n", colorDim, colorReset, stats.TotalQueued, stats.TotalCompleted)

		if len(stats.Items) == 0 {
			cmd.Println("\nQueue is empty")
			return
		}

		cmd.Println()
		for _, item := range stats.Items {
			line := fmt.Sprintf("  %-10s prio %-3d %s #%d", item.State, item.Priority, item.JobName, item.BuildNumber)
			if item.BlockedReason != "" {
				line += fmt.Sprintf(" %s(%s)%s", colorYellow, item.BlockedReason, colorReset)
			}
			cmd.Println(line)
		}
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
}
