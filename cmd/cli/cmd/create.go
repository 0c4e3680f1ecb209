package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildplane/pkg/api"
)

var createReq api.CreateJobRequest

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new job definition",
	Long: `Create a job definition on the master.

Freestyle jobs run a shell script on the selected agent:
  buildctl create --name "smoke-tests" --type freestyle --script "make test"

Docker jobs pull a test image and run it on the agent host:
  buildctl create --name "nightly-android" --type docker \
    --registry registry.lab:5000 --image mobile-tests --tag 1.4 \
    --platform android --lab-config /etc/lab/android.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		resp, err := client.CreateJob(createReq)
		if err != nil {
			cmd.Printf("Failed to create job: %v\n", err)
			return
		}

		cmd.Printf("%s✓%s Job created\n", colorGreen, colorReset)
		cmd.Printf("%sID:%s    %s\n", colorDim, colorReset, resp.JobID)
		cmd.Printf("%sName:%s  %s\n", colorDim, colorReset, createReq.Name)
		cmd.Printf("\nTrigger a build with:\n  buildctl trigger %s\n", resp.JobID)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVar(&createReq.Name, "name", "", "Job name (required)")
	createCmd.Flags().StringVar(&createReq.Description, "description", "", "Job description")
	createCmd.Flags().StringVar(&createReq.Type, "type", "freestyle", "Job type: docker or freestyle")
	createCmd.Flags().StringVar(&createReq.Script, "script", "", "Shell script for freestyle jobs")
	createCmd.Flags().StringVar(&createReq.DockerRegistry, "registry", "", "Docker registry host")
	createCmd.Flags().StringVar(&createReq.DockerImage, "image", "", "Docker image for docker jobs")
	createCmd.Flags().StringVar(&createReq.DockerTag, "tag", "", "Docker image tag")
	createCmd.Flags().StringVar(&createReq.Platform, "platform", "", "Target platform: android or ios")
	createCmd.Flags().StringVar(&createReq.TestSuite, "suite", "", "Test suite to run")
	createCmd.Flags().StringVar(&createReq.TestMarkers, "markers", "", "Test markers filter")
	createCmd.Flags().StringVar(&createReq.LabConfig, "lab-config", "", "Lab config file to mount into the container")
	createCmd.Flags().StringVar(&createReq.WorkspacePath, "workspace", "", "Workspace path override on the agent")
	createCmd.Flags().StringSliceVar(&createReq.RequiredLabels, "label", nil, "Required agent label (repeatable)")
	createCmd.Flags().IntVar(&createReq.MaxConcurrentBuilds, "max-concurrent", 0, "Max concurrent builds of this job")
	createCmd.Flags().IntVar(&createReq.BuildTimeoutSecs, "timeout", 0, "Build timeout in seconds")

	createCmd.MarkFlagRequired("name")
}
