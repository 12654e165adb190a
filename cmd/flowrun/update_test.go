package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareSemver(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"v1.0.0", "v1.0.0", 0},
		{"v1.0.1", "v1.0.0", 1},
		{"v1.0.0", "v1.0.1", -1},
		{"v1.1.0", "v1.0.9", 1},
		{"v2.0.0", "v1.9.9", 1},
		{"1.2.3", "v1.2.3", 0},
		{"v1.2.3-rc1", "v1.2.3", 0},
		{"v0.10.0", "v0.9.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, compareSemver(tt.a, tt.b))
		})
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		local  string
		want   bool
	}{
		{"dev build always updates", "v1.0.0", "dev", true},
		{"git-describe build always updates", "v1.0.0", "v1.0.0-3-gabcdef", true},
		{"same release", "v1.0.0", "v1.0.0", false},
		{"newer remote", "v1.1.0", "v1.0.0", true},
		{"older remote", "v1.0.0", "v1.1.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNewer(tt.remote, tt.local))
		})
	}
}

func TestFlowrunAssetName(t *testing.T) {
	// Runs on whatever platform the tests run on; just check the shape.
	name, err := flowrunAssetName()
	if err != nil {
		t.Skipf("unsupported platform: %v", err)
	}
	assert.Regexp(t, `^flowrun_(Darwin|Linux)_(x86_64|arm64)\.tar\.gz$`, name)
}

func TestFindAsset(t *testing.T) {
	name, err := flowrunAssetName()
	if err != nil {
		t.Skipf("unsupported platform: %v", err)
	}

	release := &githubRelease{
		TagName: "v1.0.0",
		Assets: []githubAsset{
			{Name: "checksums.txt"},
			{Name: name, BrowserDownloadURL: "https://example.com/bin"},
		},
	}

	asset := findAsset(release)
	assert.NotNil(t, asset)
	assert.Equal(t, name, asset.Name)

	assert.Nil(t, findAsset(&githubRelease{TagName: "v1.0.0"}))
}
