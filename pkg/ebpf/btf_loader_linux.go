//go:build linux

package ebpf

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cilium/ebpf/btf"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/saworbit/ringbench/pkg/config"
)

const (
	systemBTFPath = "/sys/kernel/btf/vmlinux"
	osReleasePath = "/etc/os-release"
)

// errNoBTF means no spec was found and downloading is disabled. Callers fall
// back to letting cilium/ebpf find kernel types itself.
var errNoBTF = errors.New("no kernel BTF available")

// BTFLoader finds kernel BTF for CO-RE relocations: an explicit path, the
// running kernel, a local cache, then BTFHub.
type BTFLoader struct {
	override      string
	systemPath    string
	cacheDir      string
	allowDownload bool
	baseURL       string
	client        *http.Client
	logger        *zap.Logger
}

// NewBTFLoader builds a loader from the eBPF section of the config.
func NewBTFLoader(cfg *config.EBPFConfig, logger *zap.Logger) *BTFLoader {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := cfg.BTFCache
	if cache == "" {
		cache = filepath.Join(os.TempDir(), "ringbench", "btf")
	}

	return &BTFLoader{
		override:      cfg.BTFPath,
		systemPath:    systemBTFPath,
		cacheDir:      cache,
		allowDownload: cfg.BTFDownload,
		baseURL:       strings.TrimSuffix(cfg.BTFHubURL, "/"),
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
}

// LoadSpec returns a BTF spec and the path it came from.
func (l *BTFLoader) LoadSpec(ctx context.Context) (*btf.Spec, string, error) {
	if l == nil {
		return nil, "", fmt.Errorf("btf loader not configured")
	}

	if l.override != "" {
		spec, err := btf.LoadSpec(l.override)
		if err != nil {
			return nil, "", fmt.Errorf("load btf %s: %w", l.override, err)
		}
		return spec, l.override, nil
	}

	if spec, err := btf.LoadSpec(l.systemPath); err == nil {
		return spec, l.systemPath, nil
	}

	info, err := detectKernelInfo()
	if err != nil {
		return nil, "", err
	}

	cached := filepath.Join(l.cacheDir, info.Release+".btf")
	if _, err := os.Stat(cached); err == nil {
		spec, err := btf.LoadSpec(cached)
		if err != nil {
			return nil, "", fmt.Errorf("load cached btf %s: %w", cached, err)
		}
		return spec, cached, nil
	}

	if !l.allowDownload || l.baseURL == "" {
		return nil, "", fmt.Errorf("%w (kernel %s, expected cache at %s)", errNoBTF, info.Release, cached)
	}

	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create btf cache dir: %w", err)
	}

	path, err := l.fetch(ctx, info, cached)
	if err != nil {
		return nil, "", err
	}
	spec, err := btf.LoadSpec(path)
	if err != nil {
		return nil, "", fmt.Errorf("load downloaded btf: %w", err)
	}
	return spec, path, nil
}

func (l *BTFLoader) fetch(ctx context.Context, info kernelInfo, dest string) (string, error) {
	url := info.hubURL(l.baseURL)
	l.logger.Info("downloading BTF", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request for %s: %w", url, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download BTF from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("btfhub download failed (%s): %s", url, resp.Status)
	}

	xzr, err := xz.NewReader(bufio.NewReader(resp.Body))
	if err != nil {
		return "", fmt.Errorf("init xz reader: %w", err)
	}
	if err := extractBTF(tar.NewReader(xzr), l.cacheDir, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// extractBTF copies the first *.btf member of the archive to dest through a
// temp file in dir, so a partial download never lands in the cache.
func extractBTF(tr *tar.Reader, dir, dest string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("btf archive did not contain .btf file")
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".btf") {
			continue
		}

		tmp, err := os.CreateTemp(dir, "btfhub-*.tmp")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			return fmt.Errorf("write cached BTF: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close cached BTF: %w", err)
		}
		if err := os.Rename(tmp.Name(), dest); err != nil {
			return fmt.Errorf("move cached BTF: %w", err)
		}
		return nil
	}
}

type kernelInfo struct {
	Distro    string
	VersionID string
	Release   string
	Arch      string
}

func (k kernelInfo) hubURL(base string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.btf.tar.xz",
		strings.TrimSuffix(base, "/"), k.Distro, k.VersionID, k.Arch, k.Release)
}

func detectKernelInfo() (kernelInfo, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return kernelInfo{}, fmt.Errorf("uname: %w", err)
	}

	arch, err := hubArch(runtime.GOARCH)
	if err != nil {
		return kernelInfo{}, err
	}

	meta := readOSRelease(osReleasePath)
	return kernelInfo{
		Distro:    meta["ID"],
		VersionID: meta["VERSION_ID"],
		Release:   unix.ByteSliceToString(uts.Release[:]),
		Arch:      arch,
	}, nil
}

// readOSRelease parses KEY=value lines. Missing files yield "unknown".
func readOSRelease(path string) map[string]string {
	meta := map[string]string{"ID": "unknown", "VERSION_ID": "unknown"}

	f, err := os.Open(path)
	if err != nil {
		return meta
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		meta[key] = strings.ToLower(strings.Trim(val, `"`))
	}
	return meta
}

func hubArch(goarch string) (string, error) {
	switch goarch {
	case "amd64":
		return "x86_64", nil
	case "arm64", "ppc64le", "s390x":
		return goarch, nil
	default:
		return "", fmt.Errorf("unsupported architecture for BTFHub: %s", goarch)
	}
}
