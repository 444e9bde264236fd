package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, BuildTime, info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestGet_LinkerOverrides(t *testing.T) {
	defer func(v, c string) { Version, GitCommit = v, c }(Version, GitCommit)
	Version, GitCommit = "0.4.0", "3f2a9b1"

	info := Get()
	assert.Equal(t, "0.4.0", info.Version)
	assert.Equal(t, "3f2a9b1", info.GitCommit)
}

func TestInfo_String(t *testing.T) {
	info := Info{
		Version:   "1.0.0",
		GitCommit: "abc123",
		BuildTime: "2026-10-01T09:34:29Z",
		GoVersion: "go1.25.1",
		Platform:  "linux/amd64",
	}

	assert.Equal(t, "autoskill 1.0.0 (commit abc123, built 2026-10-01T09:34:29Z, go1.25.1 linux/amd64)", info.String())
}

func TestInfo_JSON(t *testing.T) {
	info := Info{Version: "1.0.0", GitCommit: "abc123", BuildTime: "now", GoVersion: "go1.25.1", Platform: "darwin/arm64"}

	out, err := info.JSON()
	require.NoError(t, err)

	var raw map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	assert.Equal(t, map[string]string{
		"version":   "1.0.0",
		"gitCommit": "abc123",
		"buildTime": "now",
		"goVersion": "go1.25.1",
		"platform":  "darwin/arm64",
	}, raw)
	assert.Contains(t, out, "\n  \"version\"")
}
