package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show agent pool statistics",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		stats, err := client.GetPoolStats()
		if err != nil {
			cmd.Printf("Failed to get pool stats: %v\n", err)
			return
		}

		cmd.Printf("%sAgent Pool%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sAgents:%s     %d total, %s%d online%s, %d busy, %d offline, %s%d error%s\n",
			colorDim, colorReset, stats.TotalAgents,
			colorGreen, stats.OnlineAgents, colorReset,
			stats.BusyAgents, stats.OfflineAgents,
			colorRed, stats.ErrorAgents, colorReset)
		cmd.Printf("%sExecutors:%s  %d/%d in use\n", colorDim, colorReset, stats.UsedExecutors, stats.TotalExecutors)
		cmd.Printf("%sPass Rate:%s  %.1f%%\n", colorDim, colorReset, stats.PassRate*100)
	},
}

func init() {
	rootCmd.AddCommand(poolCmd)
}
