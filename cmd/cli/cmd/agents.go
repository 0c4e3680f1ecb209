package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildplane/pkg/api"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage execution agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		agents, err := client.ListAgents()
		if err != nil {
			cmd.Printf("Failed to list agents: %v\n", err)
			return
		}

		if len(agents) == 0 {
			cmd.Println("No agents registered")
			return
		}

		for _, a := range agents {
			cmd.Printf("%s %s%s%s (%s:%d)\n", agentStatusIcon(a.Status), colorBold, a.Name, colorReset, a.Host, a.Port)
			cmd.Printf("  %sID:%s        %s\n", colorDim, colorReset, a.ID)
			cmd.Printf("  %sStatus:%s    %s\n", colorDim, colorReset, a.Status)
			cmd.Printf("  %sExecutors:%s %d/%d in use\n", colorDim, colorReset, a.CurrentExecutors, a.MaxExecutors)
			if len(a.Labels) > 0 {
				cmd.Printf("  %sLabels:%s    %v\n", colorDim, colorReset, a.Labels)
			}
			cmd.Printf("  %sLoad:%s      cpu %d%%, mem %d%%, disk %d%%\n", colorDim, colorReset, a.CPUUsage, a.MemoryUsage, a.DiskUsage)
			if a.TestsExecuted > 0 {
				cmd.Printf("  %sHistory:%s   %d builds, %.1f%% pass rate\n", colorDim, colorReset, a.TestsExecuted, a.PassRate*100)
			}
			if a.LastError != "" {
				cmd.Printf("  %sError:%s     %s%s%s\n", colorDim, colorReset, colorRed, a.LastError, colorReset)
			}
		}
	},
}

var agentReq api.CreateAgentRequest

var agentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new agent",
	Long: `Register an execution agent. The master tests the connection before
accepting the agent; a host that cannot be reached is rejected.

  buildctl agents add --name lab-1 --host lab-1.internal --user ci \
    --key /home/ci/.ssh/id_ed25519 --label android --executors 2`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		agent, err := client.CreateAgent(agentReq)
		if err != nil {
			cmd.Printf("Failed to add agent: %v\n", err)
			return
		}

		cmd.Printf("%s✓%s Agent %s registered (%s)\n", colorGreen, colorReset, agent.Name, agent.ID)
	},
}

var agentsRemoveCmd = &cobra.Command{
	Use:   "remove [agent_id]",
	Short: "Remove an idle agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		if err := client.DeleteAgent(args[0]); err != nil {
			cmd.Printf("Failed to remove agent: %v\n", err)
			return
		}

		cmd.Printf("%s✓%s Agent removed\n", colorGreen, colorReset)
	},
}

func agentStatusIcon(status string) string {
	switch status {
	case "online":
		return colorGreen + "●" + colorReset
	case "busy":
		return colorYellow + "●" + colorReset
	case "error":
		return colorRed + "●" + colorReset
	default:
		return fmt.Sprintf("%s●%s", colorDim, colorReset)
	}
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsAddCmd)
	agentsCmd.AddCommand(agentsRemoveCmd)

	agentsAddCmd.Flags().StringVar(&agentReq.Name, "name", "", "Agent name (required)")
	agentsAddCmd.Flags().StringVar(&agentReq.Host, "host", "", "Agent host (required)")
	agentsAddCmd.Flags().IntVar(&agentReq.Port, "port", 22, "SSH port")
	agentsAddCmd.Flags().StringVar(&agentReq.Username, "user", "", "SSH username")
	agentsAddCmd.Flags().StringVar(&agentReq.Password, "password", "", "SSH password")
	agentsAddCmd.Flags().StringVar(&agentReq.SSHKeyPath, "key", "", "Path to SSH private key on the master")
	agentsAddCmd.Flags().StringSliceVar(&agentReq.Labels, "label", nil, "Agent label (repeatable)")
	agentsAddCmd.Flags().IntVar(&agentReq.MaxExecutors, "executors", 1, "Concurrent build slots")
	agentsAddCmd.Flags().StringVar(&agentReq.Runtime, "runtime", "", "Execution backend: ssh (default) or docker")

	agentsAddCmd.MarkFlagRequired("name")
	agentsAddCmd.MarkFlagRequired("host")
}
