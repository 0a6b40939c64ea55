package registry

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

// WarmupState is the lifecycle of a preset's background warmup (spec §4.B).
type WarmupState string

const (
	WarmupIdle    WarmupState = "idle"
	WarmupWarming WarmupState = "warming"
	WarmupWarm    WarmupState = "warm"
	WarmupFailed  WarmupState = "failed"
)

const warmupBudget = 5 * time.Minute

// Warmup pre-caches npx/uvx packages in the background so the first real
// spawn of a session doesn't pay the package-download latency. Binary
// presets are no-ops: there is nothing to pre-fetch.
type Warmup struct {
	catalog *Catalog
	logger  *logger.Logger

	mu     sync.Mutex
	states map[string]WarmupState
}

// NewWarmup builds a warmup service bound to the given catalog.
func NewWarmup(catalog *Catalog, log *logger.Logger) *Warmup {
	return &Warmup{
		catalog: catalog,
		logger:  log.WithFields(zap.String("component", "registry-warmup")),
		states:  make(map[string]WarmupState),
	}
}

// State returns the current warmup state for a preset id (WarmupIdle if
// never warmed).
func (w *Warmup) State(id string) WarmupState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.states[id]; ok {
		return s
	}
	return WarmupIdle
}

// WarmupInBackground fires a fire-and-forget warmup for the given preset id.
// Calling it again while already warming or once warm is a no-op.
func (w *Warmup) WarmupInBackground(id string) {
	w.mu.Lock()
	if s := w.states[id]; s == WarmupWarming || s == WarmupWarm {
		w.mu.Unlock()
		return
	}
	w.states[id] = WarmupWarming
	w.mu.Unlock()

	go w.run(id)
}

func (w *Warmup) run(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), warmupBudget)
	defer cancel()

	preset, ok := w.catalog.GetPreset(ctx, id)
	if !ok {
		w.setState(id, WarmupFailed)
		return
	}

	switch preset.DistributionType {
	case DistributionNpx:
		w.warmupNpx(ctx, id, preset)
	case DistributionUvx:
		w.warmupUvx(ctx, id, preset)
	default:
		// Binary presets are already on disk (or fetched whole on first
		// spawn); nothing to pre-cache.
		w.setState(id, WarmupWarm)
	}
}

func (w *Warmup) warmupNpx(ctx context.Context, id string, preset *Preset) {
	pkg := packageArg(preset.Args)
	if pkg == "" {
		w.setState(id, WarmupFailed)
		return
	}
	w.execWarmup(ctx, id, "npx", []string{"-y", pkg})
}

func (w *Warmup) warmupUvx(ctx context.Context, id string, preset *Preset) {
	pkg := packageArg(preset.Args)
	if pkg == "" {
		w.setState(id, WarmupFailed)
		return
	}
	w.execWarmup(ctx, id, "uvx", []string{pkg, "--help"})
}

func (w *Warmup) execWarmup(ctx context.Context, id, command string, args []string) {
	cmd := exec.CommandContext(ctx, command, args...)
	if err := cmd.Run(); err != nil {
		w.logger.Warn("warmup failed", zap.String("preset", id), zap.Error(err))
		w.setState(id, WarmupFailed)
		return
	}
	w.setState(id, WarmupWarm)
}

func (w *Warmup) setState(id string, s WarmupState) {
	w.mu.Lock()
	w.states[id] = s
	w.mu.Unlock()
}

// packageArg picks the package name out of a preset's npx/uvx argument list
// (the argument immediately following "-y" for npx, or the first argument
// for uvx).
func packageArg(args []string) string {
	for i, a := range args {
		if a == "-y" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
