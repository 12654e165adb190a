package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// sha256Hex streams r through SHA-256 and returns the hex digest.
func sha256Hex(r io.Reader) (string, error) {
	digest := sha256.New()
	if _, err := io.Copy(digest, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func sha256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return sha256Hex(file)
}

// parseChecksumFile reads sha256sum-style manifest lines ("<hex>  <name>",
// one or two spaces) into a name-to-digest map. Lines that don't carry a
// full-length digest and a name are skipped rather than rejected.
func parseChecksumFile(r io.Reader) (map[string]string, error) {
	sums := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		hash, name := fields[0], fields[len(fields)-1]
		if len(hash) != sha256.Size*2 {
			continue
		}
		sums[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checksums: %w", err)
	}
	return sums, nil
}

// httpGetter is satisfied by *http.Client.
type httpGetter interface {
	Get(url string) (*http.Response, error)
}

// downloadVerified downloads url into a temp file under dir and, when
// expectedHash is non-empty, verifies its SHA-256 digest before returning.
// The caller removes the file.
func downloadVerified(client httpGetter, url, dir, expectedHash string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, "flowrun-asset-*")
	if err != nil {
		return "", err
	}
	path := tmp.Name()
	discard := func(e error) (string, error) {
		os.Remove(path)
		return "", e
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return discard(err)
	}
	if err := tmp.Close(); err != nil {
		return discard(err)
	}

	if expectedHash != "" {
		actual, err := sha256File(path)
		if err != nil {
			return discard(fmt.Errorf("computing checksum: %w", err))
		}
		if actual != expectedHash {
			return discard(fmt.Errorf("checksum mismatch: expected %s, got %s", expectedHash, actual))
		}
	}
	return path, nil
}
