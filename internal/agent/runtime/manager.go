// Package runtime locates, and when absent downloads, the Node.js and uv
// runtimes that registry-distributed agents (npx/uvx packages) need to run.
//
// Resolution order for every logical runtime is: managed install directory,
// then system PATH, then download. Concurrent callers asking for the same
// (kind, version) are collapsed onto a single in-flight download via
// singleflight, so two sessions starting simultaneously never race to write
// the same runtime tree.
package runtime

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Kind identifies one of the four logical runtimes the broker resolves.
type Kind string

const (
	KindNode Kind = "node"
	KindNpx  Kind = "npx"
	KindUV   Kind = "uv"
	KindUvx  Kind = "uvx"
)

// DefaultNodeVersion and DefaultUVVersion are used when a preset does not
// pin a specific version.
const (
	DefaultNodeVersion = "20.18.1"
	DefaultUVVersion   = "0.5.11"
)

const (
	nodeDistBase = "https://nodejs.org/dist"
	uvReleaseBase = "https://github.com/astral-sh/uv/releases/download"
)

// Info describes one resolved runtime.
type Info struct {
	Kind      Kind
	Path      string
	Version   string
	IsManaged bool
}

// Manager resolves and, if necessary, downloads runtimes into a managed
// directory tree under dataDir/acp-agents/.runtimes/{node|uv}/{version}/.
type Manager struct {
	dataDir string
	log     *logger.Logger
	client  *http.Client

	group singleflight.Group
}

// NewManager creates a Manager rooted at dataDir (the same data directory
// presets and MCP config files are written under).
func NewManager(dataDir string, log *logger.Logger) *Manager {
	return &Manager{
		dataDir: dataDir,
		log:     log.WithFields(zap.String("component", "runtime-manager")),
		client:  http.DefaultClient,
	}
}

func (m *Manager) runtimesDir() string {
	return filepath.Join(m.dataDir, "acp-agents", ".runtimes")
}

func (m *Manager) downloadsDir() string {
	return filepath.Join(m.dataDir, "acp-agents", ".downloads")
}

// EnsureRuntime resolves the given runtime kind, downloading it if neither a
// managed install nor a system PATH binary is available. Failure means "this
// preset cannot be used on this host" to the caller.
func (m *Manager) EnsureRuntime(ctx context.Context, kind Kind) (*Info, error) {
	version := defaultVersionFor(kind)
	key := fmt.Sprintf("%s@%s", kind, version)

	result, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.ensureRuntimeLocked(ctx, kind, version)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Info), nil
}

func defaultVersionFor(kind Kind) string {
	switch kind {
	case KindNode, KindNpx:
		return DefaultNodeVersion
	case KindUV, KindUvx:
		return DefaultUVVersion
	default:
		return ""
	}
}

func (m *Manager) ensureRuntimeLocked(ctx context.Context, kind Kind, version string) (*Info, error) {
	// 1. Managed runtime directory.
	if info := m.findManaged(kind, version); info != nil {
		return info, nil
	}

	// 2. System PATH.
	if path, err := exec.LookPath(binaryName(kind)); err == nil {
		m.log.Debug("resolved runtime from PATH", zap.String("kind", string(kind)), zap.String("path", path))
		return &Info{Kind: kind, Path: path, IsManaged: false}, nil
	}

	// 3. Download.
	switch kind {
	case KindNode, KindNpx:
		return m.downloadNode(ctx, version, kind)
	case KindUV, KindUvx:
		return m.downloadUV(ctx, version, kind)
	default:
		return nil, fmt.Errorf("runtime: unknown kind %q", kind)
	}
}

// findManaged locates a previously-downloaded runtime under the managed tree.
func (m *Manager) findManaged(kind Kind, version string) *Info {
	base := baseKind(kind)
	root := filepath.Join(m.runtimesDir(), string(base), version)
	exe, err := findExecutable(root, binaryName(kind))
	if err != nil {
		return nil
	}
	return &Info{Kind: kind, Path: exe, Version: version, IsManaged: true}
}

// baseKind collapses npx -> node and uvx -> uv for directory naming; npx and
// uvx ship inside the node/uv distribution, they are not separately unpacked.
func baseKind(kind Kind) Kind {
	switch kind {
	case KindNpx:
		return KindNode
	case KindUvx:
		return KindUV
	default:
		return kind
	}
}

func binaryName(kind Kind) string {
	exe := ""
	switch kind {
	case KindNode:
		exe = "node"
	case KindNpx:
		exe = "npx"
	case KindUV:
		exe = "uv"
	case KindUvx:
		exe = "uvx"
	}
	if runtime.GOOS == "windows" {
		if kind == KindNpx {
			return exe + ".cmd"
		}
		return exe + ".exe"
	}
	return exe
}

func (m *Manager) downloadNode(ctx context.Context, version string, kind Kind) (*Info, error) {
	osName, archName, ext, err := nodePlatformTriple()
	if err != nil {
		return nil, err
	}

	archiveName := fmt.Sprintf("node-v%s-%s-%s.%s", version, osName, archName, ext)
	url := fmt.Sprintf("%s/v%s/%s", nodeDistBase, version, archiveName)
	installDir := filepath.Join(m.runtimesDir(), "node", version)

	if err := m.downloadAndExtract(ctx, url, archiveName, installDir); err != nil {
		return nil, fmt.Errorf("downloading node %s: %w", version, err)
	}

	if err := markExecutablesExecutable(installDir); err != nil {
		m.log.Warn("failed to set executable bits", zap.Error(err))
	}
	if runtime.GOOS == "darwin" {
		removeQuarantine(installDir)
	}

	exe, err := findExecutable(installDir, binaryName(kind))
	if err != nil {
		return nil, fmt.Errorf("node binary not found after extraction: %w", err)
	}
	return &Info{Kind: kind, Path: exe, Version: version, IsManaged: true}, nil
}

func (m *Manager) downloadUV(ctx context.Context, version string, kind Kind) (*Info, error) {
	target, ext, err := uvPlatformTarget()
	if err != nil {
		return nil, err
	}

	archiveName := fmt.Sprintf("uv-%s.%s", target, ext)
	url := fmt.Sprintf("%s/%s/%s", uvReleaseBase, version, archiveName)
	installDir := filepath.Join(m.runtimesDir(), "uv", version)

	if err := m.downloadAndExtract(ctx, url, archiveName, installDir); err != nil {
		return nil, fmt.Errorf("downloading uv %s: %w", version, err)
	}

	if err := markExecutablesExecutable(installDir); err != nil {
		m.log.Warn("failed to set executable bits", zap.Error(err))
	}
	if runtime.GOOS == "darwin" {
		removeQuarantine(installDir)
	}

	exe, err := findExecutable(installDir, binaryName(kind))
	if err != nil {
		return nil, fmt.Errorf("uv binary not found after extraction: %w", err)
	}
	return &Info{Kind: kind, Path: exe, Version: version, IsManaged: true}, nil
}

func nodePlatformTriple() (osName, archName, ext string, err error) {
	switch runtime.GOOS {
	case "darwin":
		osName, ext = "darwin", "tar.gz"
	case "linux":
		osName, ext = "linux", "tar.gz"
	case "windows":
		osName, ext = "win", "zip"
	default:
		return "", "", "", fmt.Errorf("unsupported OS for node runtime: %s", runtime.GOOS)
	}
	switch runtime.GOARCH {
	case "amd64":
		archName = "x64"
	case "arm64":
		archName = "arm64"
	default:
		return "", "", "", fmt.Errorf("unsupported arch for node runtime: %s", runtime.GOARCH)
	}
	return osName, archName, ext, nil
}

func uvPlatformTarget() (target, ext string, err error) {
	ext = "tar.gz"
	if runtime.GOOS == "windows" {
		ext = "zip"
	}
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "darwin/arm64":
		target = "aarch64-apple-darwin"
	case "darwin/amd64":
		target = "x86_64-apple-darwin"
	case "linux/arm64":
		target = "aarch64-unknown-linux-gnu"
	case "linux/amd64":
		target = "x86_64-unknown-linux-gnu"
	case "windows/amd64":
		target = "x86_64-pc-windows-msvc"
	case "windows/arm64":
		target = "aarch64-pc-windows-msvc"
	default:
		return "", "", fmt.Errorf("unsupported platform for uv runtime: %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	return target, ext, nil
}

// downloadAndExtract streams url into a scratch file under the downloads
// directory, extracts it into installDir, and cleans up the scratch file
// regardless of outcome so a failed download never leaves partial state.
func (m *Manager) downloadAndExtract(ctx context.Context, url, archiveName, installDir string) error {
	if err := os.MkdirAll(m.downloadsDir(), 0o755); err != nil {
		return fmt.Errorf("creating downloads dir: %w", err)
	}
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return fmt.Errorf("creating install dir: %w", err)
	}

	scratch := filepath.Join(m.downloadsDir(), archiveName)
	defer os.Remove(scratch)

	m.log.Info("downloading runtime archive", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	out, err := os.Create(scratch)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.RemoveAll(installDir)
		return fmt.Errorf("writing archive: %w", err)
	}
	out.Close()

	if strings.HasSuffix(archiveName, ".zip") {
		err = extractZip(scratch, installDir)
	} else {
		err = extractTarGz(scratch, installDir)
	}
	if err != nil {
		os.RemoveAll(installDir)
		return fmt.Errorf("extracting archive: %w", err)
	}
	return nil
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, ok := safeJoin(destDir, hdr.Name)
		if !ok {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, io.LimitReader(tr, 1<<30)); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			_ = os.Symlink(hdr.Linkname, target)
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, ok := safeJoin(destDir, f.Name)
		if !ok {
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, io.LimitReader(rc, 1<<30))
		out.Close()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins destDir and name, rejecting entries that would traverse
// outside destDir (zip-slip / tar-slip protection).
func safeJoin(destDir, name string) (string, bool) {
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", false
	}
	target := filepath.Join(destDir, clean)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", false
	}
	return target, true
}

// findExecutable recursively searches root for a file named name.
func findExecutable(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk; skip unreadable entries
		}
		if found != "" {
			return filepath.SkipAll
		}
		if !d.IsDir() && d.Name() == name {
			found = path
		}
		return nil
	})
	if err != nil && found == "" {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found under %s", name, root)
	}
	return found, nil
}

func markExecutablesExecutable(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode()&0o111 == 0 {
			return nil
		}
		return os.Chmod(path, info.Mode()|0o111)
	})
}

// removeQuarantine strips the macOS com.apple.quarantine extended attribute
// from extracted binaries so Gatekeeper does not block first execution.
func removeQuarantine(root string) {
	cmd := exec.Command("xattr", "-dr", "com.apple.quarantine", root)
	_ = cmd.Run()
}
