package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var abortCmd = &cobra.Command{
	Use:   "abort [build_id]",
	Short: "Abort a queued or running build",
	Long: `Abort a build. A queued build is removed from the queue; a running
build has its remote process terminated. Builds that already finished
are left untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		resp, err := client.AbortBuild(args[0])
		if err != nil {
			cmd.Printf("Failed to abort build: %v\n", err)
			return
		}

		if resp.Aborted {
			cmd.Printf("%s✓%s Build aborted\n", colorGreen, colorReset)
		} else {
			cmd.Println("Build already finished, nothing to abort")
		}
	},
}

func init() {
	rootCmd.AddCommand(abortCmd)
}
