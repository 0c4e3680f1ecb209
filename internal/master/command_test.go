package master

import (
	"strings"
	"testing"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

func dockerBuild() *store.Build {
	return &store.Build{
		ID:          uuid.New(),
		JobName:     "Nightly Android",
		BuildNumber: 7,
		Parameters:  map[string]string{"BRANCH": "release/1.2"},
		Config: store.BuildConfig{
			JobType:         store.JobTypeDocker,
			DockerRegistry:  "registry.lab:5000",
			DockerImage:     "mobile-tests",
			DockerTag:       "1.4",
			Platform:        "android",
			TestSuite:       "regression",
			TestMarkers:     "smoke and not flaky",
			LabConfig:       "/etc/lab/config.yaml",
			ConfigMountPath: "/app/config.yaml",
			WorkspacePath:   "/srv/builds",
		},
	}
}

func TestBuildCommand_DockerScript(t *testing.T) {
	build := dockerBuild()

	script, workspace, container := BuildCommand(build)

	if container != "nightly-android_7" {
		t.Errorf("unexpected container name %q", container)
	}
	if workspace != "/srv/builds/nightly-android/7" {
		t.Errorf("unexpected workspace %q", workspace)
	}

	for _, want := range []string{
		"set -e",
		"docker pull 'registry.lab:5000/mobile-tests:1.4'",
		"docker rm -f 'nightly-android_7'",
		"--name 'nightly-android_7'",
		"-v '/etc/lab/config.yaml:/app/config.yaml:ro'",
		"-v '/srv/builds/nightly-android/7/allure-results:/app/allure-results'",
		"-e 'TEST_SUITE=regression'",
		"-e 'TEST_MARKERS=smoke and not flaky'",
		"-e 'BRANCH=release/1.2'",
		"--privileged",
		"-v /dev/bus/usb:/dev/bus/usb",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
	if strings.Contains(script, "--network host") {
		t.Error("android builds must not get the ios network flag")
	}
}

func TestBuildCommand_IOSPlatformFlags(t *testing.T) {
	build := dockerBuild()
	build.Config.Platform = "ios"

	script, _, _ := BuildCommand(build)

	if !strings.Contains(script, "--network host") {
		t.Errorf("expected host networking for ios:\n%s", script)
	}
	if strings.Contains(script, "--privileged") {
		t.Error("ios builds must not get the android device flags")
	}
}

func TestBuildCommand_FreestyleScript(t *testing.T) {
	build := &store.Build{
		ID:          uuid.New(),
		JobName:     "deploy docs",
		BuildNumber: 3,
		Parameters:  map[string]string{"TARGET": "staging", "BRANCH": "main"},
		Config: store.BuildConfig{
			JobType: store.JobTypeFreestyle,
			Script:  "make publish",
		},
	}

	script, workspace, container := BuildCommand(build)

	if container != "" {
		t.Errorf("freestyle builds have no container, got %q", container)
	}
	if workspace != defaultWorkspaceRoot+"/deploy-docs/3" {
		t.Errorf("unexpected workspace %q", workspace)
	}

	for _, want := range []string{
		"set -e",
		"cd '" + workspace + "'",
		"export BUILD_NUMBER=3",
		"export JOB_NAME='deploy docs'",
		"export BRANCH='main'",
		"export TARGET='staging'",
		"make publish",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}

	// Parameters are exported in sorted order for a stable script.
	if strings.Index(script, "BRANCH") > strings.Index(script, "TARGET") {
		t.Error("expected parameters exported in sorted order")
	}
}

func TestImageRef(t *testing.T) {
	tests := []struct {
		name string
		cfg  store.BuildConfig
		want string
	}{
		{"full", store.BuildConfig{DockerRegistry: "reg:5000", DockerImage: "img", DockerTag: "2"}, "reg:5000/img:2"},
		{"default tag", store.BuildConfig{DockerRegistry: "reg:5000", DockerImage: "img"}, "reg:5000/img:latest"},
		{"no registry", store.BuildConfig{DockerImage: "img", DockerTag: "2"}, "img:2"},
		{"trailing slash", store.BuildConfig{DockerRegistry: "reg/", DockerImage: "img", DockerTag: "2"}, "reg/img:2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := imageRef(tt.cfg); got != tt.want {
				t.Errorf("imageRef = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Nightly Android", "nightly-android"},
		{"simple", "simple"},
		{"job/with:odd chars!", "job-with-odd-chars-"},
		{"v1.2_rc-3", "v1.2_rc-3"},
	}

	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote = %q", got)
	}
}
