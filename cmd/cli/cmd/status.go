package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildplane/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [build_id]",
	Short: "Get status of a build",
	Long:  `Retrieve detailed status information for a build, including its current state (queued, pending, running, success, failure, aborted, timeout), exit code, agent and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		build, err := client.GetBuild(args[0])
		if err != nil {
			cmd.Printf("Failed to get build: %v\n", err)
			return
		}

		printStatus(cmd, build)
	},
}

func printStatus(cmd *cobra.Command, build *api.BuildResponse) {
	icon := statusIcon(build.Status)
	cmd.Printf("%s %sBuild #%d of %s%s\n", icon, colorBold, build.BuildNumber, build.JobName, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, build.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(build.Status))

	if build.AgentName != "" {
		cmd.Printf("%sAgent:%s       %s\n", colorDim, colorReset, build.AgentName)
	}

	if build.ExitCode != nil {
		exitCode := *build.ExitCode
		if exitCode == 0 {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorGreen, exitCode, colorReset)
		} else {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorRed, exitCode, colorReset)
		}
	} else {
		cmd.Printf("%sExit Code:%s   -\n", colorDim, colorReset)
	}

	if build.ErrorMessage != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, build.ErrorMessage, colorReset)
	}

	cmd.Printf("%sQueued:%s      %s\n", colorDim, colorReset, formatTimeWithRelative(&build.QueuedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(build.StartedAt))

	if build.StartedAt != nil && build.EndedAt != nil {
		duration := build.EndedAt.Sub(*build.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(build.EndedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(build.EndedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "success":
		return colorGreen + "✓" + colorReset
	case "failure", "timeout":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "queued", "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "success":
		return icon + " " + colorGreen + status + colorReset
	case "failure", "timeout":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "queued", "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return icon + " " + status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
