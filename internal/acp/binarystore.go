package acp

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/metrics"
)

// BinaryStore resolves and caches agent binaries published as GitHub
// releases: latest-release lookup, platform asset naming, sha256
// verification, and atomic extract-then-rename install.
type BinaryStore struct {
	root    string
	http    *http.Client
	apiBase string
}

// NewBinaryStore creates a store rooted at dir (a "agent_binaries" cache
// directory owned by the caller).
func NewBinaryStore(dir string) *BinaryStore {
	return &BinaryStore{root: dir, http: &http.Client{}, apiBase: "https://api.github.com"}
}

// Root returns the store's cache root.
func (b *BinaryStore) Root() string { return b.root }

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Digest             string `json:"digest"`
}

// platformAssetName builds the "{name}-{version}-{arch}-{platform}.{ext}"
// asset name, with arch and OS normalized to the target-triple vocabulary
// release pipelines publish under.
func platformAssetName(binaryName, tagName string) (assetName, binName string, err error) {
	var arch string
	switch runtime.GOARCH {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	default:
		return "", "", fmt.Errorf("acp: unsupported architecture %q", runtime.GOARCH)
	}

	var platform, ext string
	switch runtime.GOOS {
	case "darwin":
		platform, ext = "apple-darwin", "tar.gz"
	case "windows":
		platform, ext = "pc-windows-msvc", "zip"
	case "linux":
		platform, ext = "unknown-linux-gnu", "tar.gz"
	default:
		return "", "", fmt.Errorf("acp: unsupported OS %q", runtime.GOOS)
	}

	version := strings.TrimPrefix(tagName, "v")
	assetName = fmt.Sprintf("%s-%s-%s-%s.%s", binaryName, version, arch, platform, ext)
	binName = binaryName
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	return assetName, binName, nil
}

// EnsureGitHubReleaseBinary downloads and caches binaryName's latest GitHub
// release from repo ("owner/name"), returning the path to the extracted,
// executable binary. The latest release is always looked up; a binary
// already present under that release's version directory is reused without
// being downloaded again.
func (b *BinaryStore) EnsureGitHubReleaseBinary(repo, binaryName string) (string, error) {
	release, err := b.fetchLatestRelease(repo)
	if err != nil {
		metrics.RecordBinaryStoreOutcome("fetch_error")
		return "", err
	}

	assetName, binName, err := platformAssetName(binaryName, release.TagName)
	if err != nil {
		metrics.RecordBinaryStoreOutcome("unsupported_platform")
		return "", err
	}

	var asset *githubAsset
	for i := range release.Assets {
		if release.Assets[i].Name == assetName {
			asset = &release.Assets[i]
			break
		}
	}
	if asset == nil {
		metrics.RecordBinaryStoreOutcome("asset_not_found")
		return "", fmt.Errorf("acp: asset %q not found in release %s", assetName, release.TagName)
	}

	agentDir := filepath.Join(b.root, binaryName)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return "", fmt.Errorf("acp: failed to create agent dir: %w", err)
	}
	versionDir := filepath.Join(agentDir, release.TagName)
	binPath := filepath.Join(versionDir, binName)

	if _, err := os.Stat(binPath); err == nil {
		metrics.RecordBinaryStoreOutcome("cache_hit")
		return binPath, nil
	}

	logger.Info("acp: downloading %s %s from %s", binaryName, release.TagName, asset.BrowserDownloadURL)

	data, err := b.download(asset.BrowserDownloadURL)
	if err != nil {
		metrics.RecordBinaryStoreOutcome("download_error")
		return "", err
	}

	if asset.Digest != "" {
		if err := verifySha256(data, asset.Digest); err != nil {
			metrics.RecordBinaryStoreOutcome("checksum_mismatch")
			return "", err
		}
	}

	tempDir, err := os.MkdirTemp(agentDir, "extract-")
	if err != nil {
		return "", fmt.Errorf("acp: failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if strings.HasSuffix(asset.Name, ".zip") {
		err = extractZip(data, tempDir)
	} else {
		err = extractTarGz(data, tempDir)
	}
	if err != nil {
		metrics.RecordBinaryStoreOutcome("extract_error")
		return "", err
	}

	extractedBin := filepath.Join(tempDir, binName)
	if _, err := os.Stat(extractedBin); err != nil {
		metrics.RecordBinaryStoreOutcome("extract_error")
		return "", fmt.Errorf("acp: extracted binary not found at %s", extractedBin)
	}
	if err := os.Chmod(extractedBin, 0o755); err != nil {
		return "", fmt.Errorf("acp: failed to chmod binary: %w", err)
	}

	// Atomic install: rename the sibling temp dir onto the version dir.
	if err := os.Rename(tempDir, versionDir); err != nil {
		metrics.RecordBinaryStoreOutcome("install_error")
		return "", fmt.Errorf("acp: failed to move to %s: %w", versionDir, err)
	}

	metrics.RecordBinaryStoreOutcome("installed")
	return filepath.Join(versionDir, binName), nil
}

func (b *BinaryStore) fetchLatestRelease(repo string) (*githubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", b.apiBase, repo)
	resp, err := b.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("acp: failed to fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acp: github returned status %d for %s", resp.StatusCode, url)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("acp: failed to parse release JSON: %w", err)
	}
	return &release, nil
}

func (b *BinaryStore) download(url string) ([]byte, error) {
	resp, err := b.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("acp: download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acp: download failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func verifySha256(data []byte, expectedDigest string) error {
	expected := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(expectedDigest), "sha256:"))
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != expected {
		return fmt.Errorf("acp: sha256 mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// extractZip unpacks a zip archive into dest, rejecting any entry whose
// name would escape dest and preserving each entry's unix mode bits.
func extractZip(data []byte, dest string) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("acp: invalid zip: %w", err)
	}

	for _, f := range reader.File {
		outPath, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("acp: bad zip entry %q: %w", f.Name, err)
		}
		out, err := os.Create(outPath)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}

		if mode := f.Mode(); mode != 0 {
			_ = os.Chmod(outPath, mode.Perm())
		}
	}
	return nil
}

// extractTarGz unpacks a gzip-compressed tar archive into dest, rejecting
// path-escaping entries the same way extractZip does.
func extractTarGz(data []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("acp: invalid gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("acp: bad tar entry: %w", err)
		}

		outPath, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(out, tr)
			out.Close()
			if copyErr != nil {
				return copyErr
			}
		}
	}
}

// safeJoin joins name onto dest and rejects the result if it escapes dest,
// guarding against zip-slip / tar-slip path traversal.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(dest, name))
	if cleaned != dest && !strings.HasPrefix(cleaned, dest+string(filepath.Separator)) {
		return "", fmt.Errorf("acp: unsafe archive path %q", name)
	}
	return cleaned, nil
}
