package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildplane/pkg/api"
)

var (
	triggerParams      map[string]string
	triggerPriority    int
	triggerQuietPeriod int
	triggerPreferAgent string
	triggerBy          string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [job_id]",
	Short: "Trigger a build of a job",
	Long: `Queue a new build of an existing job. The build number is assigned
immediately; the build starts once an agent with matching labels has a
free executor slot.

Priorities: 1 (low), 5 (normal), 10 (high), 20 (critical).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		resp, err := client.TriggerBuild(args[0], api.TriggerBuildRequest{
			Parameters:         triggerParams,
			TriggeredBy:        triggerBy,
			Priority:           triggerPriority,
			QuietPeriodSeconds: triggerQuietPeriod,
			PreferAgentID:      triggerPreferAgent,
		})
		if err != nil {
			cmd.Printf("Failed to trigger build: %v\n", err)
			return
		}

		cmd.Printf("%s✓%s Build #%d queued\n", colorGreen, colorReset, resp.BuildNumber)
		cmd.Printf("%sBuild ID:%s %s\n", colorDim, colorReset, resp.BuildID)
		cmd.Printf("\nFollow the console with:\n  buildctl console %s --follow\n", resp.BuildID)
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().StringToStringVarP(&triggerParams, "param", "p", nil, "Build parameter KEY=VALUE (repeatable)")
	triggerCmd.Flags().IntVar(&triggerPriority, "priority", 0, "Build priority (1, 5, 10 or 20)")
	triggerCmd.Flags().IntVar(&triggerQuietPeriod, "quiet-period", 0, "Seconds to hold the build before dispatch")
	triggerCmd.Flags().StringVar(&triggerPreferAgent, "prefer-agent", "", "Agent ID to prefer for this build")
	triggerCmd.Flags().StringVar(&triggerBy, "by", "", "Who triggered the build")
}
