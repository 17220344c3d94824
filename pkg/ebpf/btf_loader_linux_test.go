//go:build linux

package ebpf

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
	"go.uber.org/zap/zaptest"

	"github.com/saworbit/ringbench/pkg/config"
)

func TestHubURL(t *testing.T) {
	info := kernelInfo{
		Distro:    "ubuntu",
		VersionID: "22.04",
		Release:   "5.15.0-test",
		Arch:      "x86_64",
	}

	url := info.hubURL("https://example.com/base/")
	want := "https://example.com/base/ubuntu/22.04/x86_64/5.15.0-test.btf.tar.xz"
	if url != want {
		t.Fatalf("unexpected BTFHub URL\nwant: %s\ngot : %s", want, url)
	}
}

func TestFetchExtractsArchive(t *testing.T) {
	archive := buildBTFTar(t, "dummy content")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	cfg := config.DefaultConfig().EBPF
	cfg.BTFCache = t.TempDir()
	cfg.BTFDownload = true
	cfg.BTFHubURL = server.URL

	loader := NewBTFLoader(&cfg, zaptest.NewLogger(t))
	info := kernelInfo{Distro: "ubuntu", VersionID: "22.04", Release: "5.15.0-test", Arch: "x86_64"}
	dest := filepath.Join(cfg.BTFCache, info.Release+".btf")

	path, err := loader.fetch(context.Background(), info, dest)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if path != dest {
		t.Fatalf("expected dest path %s, got %s", dest, path)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read cached BTF: %v", err)
	}
	if string(data) != "dummy content" {
		t.Fatalf("unexpected BTF contents: %q", string(data))
	}

	leftovers, _ := filepath.Glob(filepath.Join(cfg.BTFCache, "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestFetchRejectsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	cfg := config.DefaultConfig().EBPF
	cfg.BTFCache = t.TempDir()
	cfg.BTFHubURL = server.URL

	loader := NewBTFLoader(&cfg, nil)
	_, err := loader.fetch(context.Background(), kernelInfo{Release: "x"}, filepath.Join(cfg.BTFCache, "x.btf"))
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestLoadSpecWithoutSourcesReportsNoBTF(t *testing.T) {
	cfg := config.DefaultConfig().EBPF
	cfg.BTFCache = t.TempDir()
	cfg.BTFDownload = false

	loader := NewBTFLoader(&cfg, nil)
	loader.systemPath = filepath.Join(t.TempDir(), "missing")

	_, _, err := loader.LoadSpec(context.Background())
	if !errors.Is(err, errNoBTF) {
		t.Fatalf("expected errNoBTF, got %v", err)
	}
}

func TestLoadSpecOverrideMustExist(t *testing.T) {
	cfg := config.DefaultConfig().EBPF
	cfg.BTFPath = filepath.Join(t.TempDir(), "nope.btf")

	_, _, err := NewBTFLoader(&cfg, nil).LoadSpec(context.Background())
	if err == nil || errors.Is(err, errNoBTF) {
		t.Fatalf("expected load error for missing override, got %v", err)
	}
}

func TestReadOSRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	content := "# comment\nID=Ubuntu\nVERSION_ID=\"22.04\"\nBROKEN\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	meta := readOSRelease(path)
	if meta["ID"] != "ubuntu" || meta["VERSION_ID"] != "22.04" {
		t.Fatalf("unexpected os-release parse: %v", meta)
	}

	meta = readOSRelease(filepath.Join(t.TempDir(), "missing"))
	if meta["ID"] != "unknown" {
		t.Fatalf("expected unknown distro, got %v", meta)
	}
}

func buildBTFTar(t *testing.T, payload string) []byte {
	t.Helper()

	var buf bytes.Buffer
	xzw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("failed to create xz writer: %v", err)
	}
	tw := tar.NewWriter(xzw)

	readme := []byte("not btf")
	content := []byte(payload)
	for _, f := range []struct {
		name string
		data []byte
	}{{"README", readme}, {"core.btf", content}} {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.data))}); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
		if _, err := tw.Write(f.data); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := xzw.Close(); err != nil {
		t.Fatalf("failed to close xz writer: %v", err)
	}
	return buf.Bytes()
}
