package master

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"buildplane/internal/store"
)

const (
	defaultWorkspaceRoot = "/var/lib/buildplane/workspaces"

	resultsDirName       = "allure-results"
	containerResultsPath = "/app/allure-results"

	// defaultFreestyleImage runs freestyle scripts on docker-runtime
	// agents, which have no remote shell to hand the script to.
	defaultFreestyleImage = "alpine:3.20"
)

// BuildCommand renders the remote command for a build from its
// snapshotted config: a docker run script for docker jobs, a plain
// shell script for freestyle jobs. It also returns the workspace path
// and, for docker jobs, the container name.
func BuildCommand(build *store.Build) (script, workspace, container string) {
	workspace = workspacePath(build)
	if build.Config.JobType == store.JobTypeDocker {
		container = containerName(build.JobName, build.BuildNumber)
		return dockerScript(build, workspace, container), workspace, container
	}
	return freestyleScript(build, workspace), workspace, ""
}

// dockerScript shells out to docker on the agent host: pull the image,
// clear any stale container from a previous attempt, then run with the
// config and result-directory mounts.
func dockerScript(build *store.Build, workspace, container string) string {
	cfg := build.Config
	image := imageRef(cfg)
	resultsDir := path.Join(workspace, resultsDirName)

	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(resultsDir))
	fmt.Fprintf(&b, "docker pull %s\n", shellQuote(image))
	fmt.Fprintf(&b, "docker rm -f %s >/dev/null 2>&1 || true\n", shellQuote(container))

	args := []string{"docker run --rm", "--name " + shellQuote(container)}
	if cfg.LabConfig != "" && cfg.ConfigMountPath != "" {
		args = append(args, fmt.Sprintf("-v %s", shellQuote(cfg.LabConfig+":"+cfg.ConfigMountPath+":ro")))
	}
	args = append(args, fmt.Sprintf("-v %s", shellQuote(resultsDir+":"+containerResultsPath)))

	for _, e := range containerEnv(build) {
		args = append(args, "-e "+shellQuote(e))
	}

	switch cfg.Platform {
	case "android":
		// Device access for attached Android hardware.
		args = append(args, "--privileged", "-v /dev/bus/usb:/dev/bus/usb")
	case "ios":
		// usbmuxd on the agent host is reached over localhost.
		args = append(args, "--network host")
	}

	args = append(args, shellQuote(image))
	b.WriteString(strings.Join(args, " \\\n  "))
	b.WriteString("\n")
	return b.String()
}

// freestyleScript wraps the job's script with workspace setup and the
// build parameters exported into the environment.
func freestyleScript(build *store.Build, workspace string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(workspace))
	fmt.Fprintf(&b, "cd %s\n", shellQuote(workspace))
	fmt.Fprintf(&b, "export BUILD_NUMBER=%d\n", build.BuildNumber)
	fmt.Fprintf(&b, "export JOB_NAME=%s\n", shellQuote(build.JobName))
	for _, key := range sortedParamKeys(build.Parameters) {
		fmt.Fprintf(&b, "export %s=%s\n", key, shellQuote(build.Parameters[key]))
	}
	b.WriteString(build.Config.Script)
	if !strings.HasSuffix(build.Config.Script, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// containerEnv returns KEY=value pairs for the test container, sorted
// for a stable script.
func containerEnv(build *store.Build) []string {
	var env []string
	if build.Config.TestSuite != "" {
		env = append(env, "TEST_SUITE="+build.Config.TestSuite)
	}
	if build.Config.TestMarkers != "" {
		env = append(env, "TEST_MARKERS="+build.Config.TestMarkers)
	}
	env = append(env, "BUILD_NUMBER="+strconv.Itoa(build.BuildNumber))
	for _, key := range sortedParamKeys(build.Parameters) {
		env = append(env, key+"="+build.Parameters[key])
	}
	return env
}

func sortedParamKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// imageRef assembles registry/image:tag, defaulting the tag to latest.
func imageRef(cfg store.BuildConfig) string {
	tag := cfg.DockerTag
	if tag == "" {
		tag = "latest"
	}
	if cfg.DockerRegistry != "" {
		return strings.TrimSuffix(cfg.DockerRegistry, "/") + "/" + cfg.DockerImage + ":" + tag
	}
	return cfg.DockerImage + ":" + tag
}

// containerName derives a docker-safe name, unique per build.
func containerName(jobName string, buildNumber int) string {
	return sanitizeName(jobName) + "_" + strconv.Itoa(buildNumber)
}

func workspacePath(build *store.Build) string {
	root := build.Config.WorkspacePath
	if root == "" {
		root = defaultWorkspaceRoot
	}
	return path.Join(root, sanitizeName(build.JobName), strconv.Itoa(build.BuildNumber))
}

// sanitizeName lowercases and replaces anything outside [a-z0-9_.-].
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// shellQuote single-quotes a value for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
