package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = origVersion, origCommit, origDate })

	Version = "1.0.0"
	Commit = "abc123def456"
	Date = "2024-01-01T12:00:00Z"

	info := GetInfo()
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, "abc123def456", info.Commit)
	assert.Equal(t, "2024-01-01T12:00:00Z", info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{
			name: "long commit is truncated",
			info: Info{Version: "1.0.0", Commit: "abc123def456", Date: "2024-01-01", GoVersion: "go1.24.6", Platform: "linux/amd64"},
			want: "Foundry 1.0.0 (abc123de) built 2024-01-01 with go1.24.6 for linux/amd64",
		},
		{
			name: "short commit is kept",
			info: Info{Version: "1.0.0", Commit: "abc123", Date: "2024-01-01", GoVersion: "go1.24.6", Platform: "darwin/arm64"},
			want: "Foundry 1.0.0 (abc123) built 2024-01-01 with go1.24.6 for darwin/arm64",
		},
		{
			name: "dev build",
			info: Info{Version: "dev", Commit: "unknown", Date: "unknown", GoVersion: "go1.24.6", Platform: "linux/arm64"},
			want: "Foundry dev (unknown) built unknown with go1.24.6 for linux/arm64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.String())
		})
	}
}

func TestInfoShort(t *testing.T) {
	assert.Equal(t, "1.0.0-rc1", Info{Version: "1.0.0-rc1"}.Short())
}

func TestDefaultValues(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.Date)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.Platform)
}
