package acp

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestPlatformAssetName(t *testing.T) {
	asset, bin, err := platformAssetName("goose-acp", "v1.2.3")
	if err != nil {
		t.Fatalf("platformAssetName() error = %v", err)
	}
	if !strings.HasPrefix(asset, "goose-acp-1.2.3-") {
		t.Errorf("asset %q does not start with name-version", asset)
	}
	switch runtime.GOOS {
	case "windows":
		if !strings.HasSuffix(asset, ".zip") || bin != "goose-acp.exe" {
			t.Errorf("windows asset/bin = %q/%q", asset, bin)
		}
	default:
		if !strings.HasSuffix(asset, ".tar.gz") || bin != "goose-acp" {
			t.Errorf("asset/bin = %q/%q", asset, bin)
		}
	}
	if !strings.Contains(asset, "x86_64") && !strings.Contains(asset, "aarch64") {
		t.Errorf("asset %q missing normalized arch", asset)
	}
}

func TestVerifySha256(t *testing.T) {
	data := []byte("binary payload")
	sum := sha256.Sum256(data)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	if err := verifySha256(data, digest); err != nil {
		t.Errorf("verifySha256() with matching digest = %v", err)
	}
	if err := verifySha256([]byte("tampered"), digest); err == nil {
		t.Error("verifySha256() accepted a mismatched digest")
	}
}

func TestSafeJoin(t *testing.T) {
	dest := t.TempDir()

	if _, err := safeJoin(dest, "bin/agent"); err != nil {
		t.Errorf("safeJoin(bin/agent) error = %v", err)
	}
	for _, evil := range []string{"../escape", "a/../../escape", "/etc/passwd"} {
		if _, err := safeJoin(dest, evil); err == nil && !strings.HasPrefix(filepath.Clean(filepath.Join(dest, evil)), dest) {
			t.Errorf("safeJoin(%q) accepted an escaping path", evil)
		}
	}
	if _, err := safeJoin(dest, "../outside"); err == nil {
		t.Error("safeJoin(../outside) accepted an escaping path")
	}
}

func TestExtractZip_RejectsEscapingEntry(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	_, _ = w.Write([]byte("x"))
	_ = zw.Close()

	if err := extractZip(buf.Bytes(), t.TempDir()); err == nil {
		t.Fatal("extractZip() accepted a path-escaping entry")
	}
}

// makeTarGz builds a tar.gz holding one executable file.
func makeTarGz(t *testing.T, name string, contents []byte, mode int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: mode, Size: int64(len(contents)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(contents); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}

func TestBinaryStore_EnsureGitHubReleaseBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tar.gz flow only")
	}

	assetName, binName, err := platformAssetName("agent", "v0.9.0")
	if err != nil {
		t.Fatalf("platformAssetName() error = %v", err)
	}
	archive := makeTarGz(t, binName, []byte("#!/bin/sh\necho agent\n"), 0o644)
	sum := sha256.Sum256(archive)

	var releaseHits, downloadHits int
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("/repos/acme/agent/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		releaseHits++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tag_name": "v0.9.0",
			"assets": []map[string]any{{
				"name":                 assetName,
				"browser_download_url": ts.URL + "/download/" + assetName,
				"digest":               "sha256:" + hex.EncodeToString(sum[:]),
			}},
		})
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		downloadHits++
		_, _ = w.Write(archive)
	})
	ts = httptest.NewServer(mux)
	defer ts.Close()

	root := t.TempDir()
	store := NewBinaryStore(root)
	store.apiBase = ts.URL

	binPath, err := store.EnsureGitHubReleaseBinary("acme/agent", "agent")
	if err != nil {
		t.Fatalf("EnsureGitHubReleaseBinary() error = %v", err)
	}
	wantPath := filepath.Join(root, "agent", "v0.9.0", binName)
	if binPath != wantPath {
		t.Errorf("binPath = %q, want %q", binPath, wantPath)
	}

	info, err := os.Stat(binPath)
	if err != nil {
		t.Fatalf("stat installed binary: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("installed binary mode = %o, want 0755", info.Mode().Perm())
	}

	// Second resolve is a cache hit: no new download.
	if _, err := store.EnsureGitHubReleaseBinary("acme/agent", "agent"); err != nil {
		t.Fatalf("second EnsureGitHubReleaseBinary() error = %v", err)
	}
	if downloadHits != 1 {
		t.Errorf("downloadHits = %d, want 1 (cache hit must skip download)", downloadHits)
	}
	if releaseHits != 2 {
		t.Errorf("releaseHits = %d, want 2", releaseHits)
	}
}

func TestBinaryStore_ChecksumMismatchFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tar.gz flow only")
	}

	assetName, binName, err := platformAssetName("agent", "v0.9.0")
	if err != nil {
		t.Fatalf("platformAssetName() error = %v", err)
	}
	archive := makeTarGz(t, binName, []byte("payload"), 0o644)

	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("/repos/acme/agent/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tag_name": "v0.9.0",
			"assets": []map[string]any{{
				"name":                 assetName,
				"browser_download_url": ts.URL + "/download/" + assetName,
				"digest":               "sha256:" + strings.Repeat("00", 32),
			}},
		})
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	ts = httptest.NewServer(mux)
	defer ts.Close()

	store := NewBinaryStore(t.TempDir())
	store.apiBase = ts.URL

	if _, err := store.EnsureGitHubReleaseBinary("acme/agent", "agent"); err == nil {
		t.Fatal("EnsureGitHubReleaseBinary() accepted a corrupted download")
	} else if !strings.Contains(err.Error(), "sha256 mismatch") {
		t.Errorf("error = %v, want sha256 mismatch", err)
	}
}

func TestBinaryStore_AssetNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/agent/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tag_name": "v0.9.0", "assets": []map[string]any{}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	store := NewBinaryStore(t.TempDir())
	store.apiBase = ts.URL

	_, err := store.EnsureGitHubReleaseBinary("acme/agent", "agent")
	if err == nil {
		t.Fatal("EnsureGitHubReleaseBinary() succeeded with no matching asset")
	}
	if !strings.Contains(err.Error(), "not found in release") {
		t.Errorf("error = %v, want asset-not-found", err)
	}
}
