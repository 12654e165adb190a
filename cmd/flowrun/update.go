package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const (
	latestReleaseURL = "https://api.github.com/repos/rendis/flowrun/releases/latest"
	installTarget    = "github.com/rendis/flowrun/cmd/flowrun@latest"
)

func newUpdateCmd() *cobra.Command {
	var skipVerify bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update flowrun to the latest release",
		Long: `Download the latest GitHub release for this platform, verify its
SHA-256 checksum, and replace the current binary in place. A running
server is stopped so the next serve picks up the new version. Falls
back to go install when no release binary is available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd, skipVerify)
		},
	}

	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip SHA-256 checksum verification")

	return cmd
}

func runUpdate(cmd *cobra.Command, skipVerify bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Current version: %s\n", version)

	release, err := fetchLatestRelease()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: cannot check GitHub releases: %v\n", err)
		return fallbackGoInstall(cmd)
	}
	if release == nil {
		fmt.Fprintln(out, "No GitHub releases found")
		return fallbackGoInstall(cmd)
	}

	if version != "dev" && !isNewer(release.TagName, version) {
		fmt.Fprintf(out, "Already up to date (%s)\n", version)
		return nil
	}
	fmt.Fprintf(out, "New version available: %s\n", release.TagName)

	asset := findAsset(release)
	if asset == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "No binary for %s/%s, ", runtime.GOOS, runtime.GOARCH)
		return fallbackGoInstall(cmd)
	}

	var expectedHash string
	if !skipVerify {
		expectedHash = loadExpectedChecksum(cmd, release, asset.Name)
	}

	selfPath, err := selfExecutable()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Downloading %s...\n", asset.Name)
	binPath, tmpDir, err := downloadRelease(asset.BrowserDownloadURL, expectedHash)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	if expectedHash != "" {
		fmt.Fprintln(out, "Checksum verified")
	}

	if err := replaceBinary(selfPath, binPath); err != nil {
		return fmt.Errorf("cannot replace binary: %w", err)
	}
	fmt.Fprintf(out, "Updated to %s\n", release.TagName)

	stopIfRunning(cmd)
	return nil
}

func selfExecutable() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot determine executable path: %w", err)
	}
	p, err = filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("cannot resolve executable path: %w", err)
	}
	return p, nil
}

// --- GitHub release metadata ---

// apiClient fetches release metadata; archive downloads use a longer-lived
// client of their own.
var apiClient = &http.Client{Timeout: 15 * time.Second}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// asset returns the named release asset, or nil when absent.
func (r *githubRelease) asset(name string) *githubAsset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// fetchLatestRelease returns nil without error when the repo has no releases.
func fetchLatestRelease() (*githubRelease, error) {
	resp, err := apiClient.Get(latestReleaseURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("GitHub API status %d", resp.StatusCode)
	}

	release := &githubRelease{}
	if err := json.NewDecoder(resp.Body).Decode(release); err != nil {
		return nil, err
	}
	return release, nil
}

// --- Release versions ---

func isNewer(remote, local string) bool {
	// Dev and git-describe builds (v1.0.0-3-gabcdef) sit between releases;
	// always update those.
	if local == "dev" || strings.Contains(strings.TrimPrefix(local, "v"), "-") {
		return true
	}
	return compareSemver(remote, local) > 0
}

func compareSemver(a, b string) int {
	next := func(s *string) int {
		head, rest, _ := strings.Cut(*s, ".")
		*s = rest
		head, _, _ = strings.Cut(head, "-")
		n, _ := strconv.Atoi(head)
		return n
	}

	a = strings.TrimPrefix(a, "v")
	b = strings.TrimPrefix(b, "v")
	for range 3 {
		av, bv := next(&a), next(&b)
		switch {
		case av > bv:
			return 1
		case av < bv:
			return -1
		}
	}
	return 0
}

// --- Platform assets ---

var (
	releaseOSNames   = map[string]string{"darwin": "Darwin", "linux": "Linux"}
	releaseArchNames = map[string]string{"amd64": "x86_64", "arm64": "arm64"}
)

func flowrunAssetName() (string, error) {
	osName, ok := releaseOSNames[runtime.GOOS]
	if !ok {
		return "", fmt.Errorf("no release builds for OS %s", runtime.GOOS)
	}
	arch, ok := releaseArchNames[runtime.GOARCH]
	if !ok {
		return "", fmt.Errorf("no release builds for arch %s", runtime.GOARCH)
	}
	return fmt.Sprintf("flowrun_%s_%s.tar.gz", osName, arch), nil
}

func findAsset(release *githubRelease) *githubAsset {
	name, err := flowrunAssetName()
	if err != nil {
		return nil
	}
	return release.asset(name)
}

func findChecksumAsset(release *githubRelease) *githubAsset {
	return release.asset("checksums.txt")
}

// --- Release checksums ---

// loadExpectedChecksum returns the expected SHA-256 for assetName, or "" when
// the release carries no usable checksums.txt (old releases predate it).
func loadExpectedChecksum(cmd *cobra.Command, release *githubRelease, assetName string) string {
	hash, err := releaseChecksum(release, assetName)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v, skipping verification\n", err)
		return ""
	}
	return hash
}

func releaseChecksum(release *githubRelease, assetName string) (string, error) {
	csAsset := findChecksumAsset(release)
	if csAsset == nil {
		return "", errors.New("release has no checksums.txt")
	}

	resp, err := apiClient.Get(csAsset.BrowserDownloadURL) //nolint:gosec // trusted GitHub release URL
	if err != nil {
		return "", fmt.Errorf("cannot download checksums.txt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksums.txt returned %d", resp.StatusCode)
	}

	checksums, err := parseChecksumFile(resp.Body)
	if err != nil {
		return "", fmt.Errorf("cannot parse checksums.txt: %w", err)
	}
	hash, ok := checksums[assetName]
	if !ok {
		return "", fmt.Errorf("no checksum for %s in checksums.txt", assetName)
	}
	return hash, nil
}

// --- Download + replace ---

func downloadRelease(url, expectedHash string) (string, string, error) {
	dir, err := os.MkdirTemp("", "flowrun-update-*")
	if err != nil {
		return "", "", err
	}
	fail := func(e error) (string, string, error) {
		os.RemoveAll(dir)
		return "", "", e
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	archive, err := downloadVerified(client, url, dir, expectedHash)
	if err != nil {
		return fail(err)
	}

	f, err := os.Open(archive)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	if err := extractTarGz(f, dir, "flowrun"); err != nil {
		return fail(err)
	}

	bin := filepath.Join(dir, "flowrun")
	if err := os.Chmod(bin, 0o755); err != nil {
		return fail(err)
	}
	return bin, dir, nil
}

func replaceBinary(selfPath, newPath string) error {
	// Rename is atomic and works on Unix even while the binary runs.
	if os.Rename(newPath, selfPath) == nil {
		return nil
	}

	// Rename fails across filesystems; fall back to copying over.
	src, err := os.Open(newPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(selfPath, os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// --- Server stop and go-install fallback ---

func stopIfRunning(cmd *cobra.Command) {
	out := cmd.OutOrStdout()

	proc, ok := runningServer()
	if !ok {
		fmt.Fprintln(out, "Run `flowrun serve` to start the server")
		return
	}

	fmt.Fprintf(out, "Stopping running server (PID %d)...\n", proc.Pid)
	_ = proc.Signal(syscall.SIGTERM)
	waitForExit(proc, 10*time.Second)

	fmt.Fprintln(out, "Run `flowrun serve` to start the updated server")
}

// waitForExit polls until the process is gone or the deadline passes.
func waitForExit(proc *os.Process, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func fallbackGoInstall(cmd *cobra.Command) error {
	goPath, err := exec.LookPath("go")
	if err != nil {
		return errors.New("cannot update: no GitHub releases and `go` not in PATH")
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Falling back to: go install "+installTarget)
	install := exec.Command(goPath, "install", installTarget)
	install.Stdout = cmd.OutOrStdout()
	install.Stderr = cmd.ErrOrStderr()
	if err := install.Run(); err != nil {
		return fmt.Errorf("go install failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Updated via go install")
	stopIfRunning(cmd)
	return nil
}
