package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second

	claimSuffix = ".claim.json"
)

var ErrNotOwner = errors.New("symbol not owned by this instance")

// Claim is the on-disk claim record. UTF-8 JSON, camelCase.
type Claim struct {
	Symbol        string    `json:"symbol"`
	InstanceID    string    `json:"instanceId"`
	ClaimedAt     time.Time `json:"claimedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Config configures a Coordinator.
type Config struct {
	Dir               string        // Shared claim directory
	InstanceID        string        // Defaults to <host>-<pid>-<short-uuid>
	HeartbeatTimeout  time.Duration // Claim staleness threshold
	HeartbeatInterval time.Duration // Refresh period (jittered ±10%)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		c.InstanceID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Coordinator owns this instance's claims and holds weak knowledge, via the
// filesystem, of everyone else's.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	owned map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. The claim directory is created if missing.
func New(cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("claim directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create claim dir: %w", err)
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.With("instance", cfg.InstanceID),
		now:    time.Now,
		owned:  make(map[string]struct{}),
	}, nil
}

// SetClock overrides the time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// InstanceID returns this instance's identity.
func (c *Coordinator) InstanceID() string { return c.cfg.InstanceID }

// Start launches the background heartbeat loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.heartbeatLoop()

	c.logger.Info("coordinator started",
		"dir", c.cfg.Dir,
		"heartbeat_interval", c.cfg.HeartbeatInterval,
		"heartbeat_timeout", c.cfg.HeartbeatTimeout,
	)
	return nil
}

// Stop halts the heartbeat loop and releases every owned claim.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("coordinator stop timed out")
	}

	for _, symbol := range c.OwnedSymbols() {
		if err := c.Release(symbol); err != nil {
			c.logger.Warn("release on stop failed", "symbol", symbol, "error", err)
		}
	}

	c.logger.Info("coordinator stopped")
	return nil
}

// TryClaim attempts to claim a symbol. It succeeds when the claim file is
// absent, already ours (refreshing the heartbeat), or stale.
func (c *Coordinator) TryClaim(symbol string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	path := c.claimPath(symbol)

	existing, err := readClaim(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Free: claim it.
	case err != nil:
		// Unreadable claim files count as stale: overwrite.
		c.logger.Warn("unreadable claim file, overwriting", "symbol", symbol, "error", err)
	case existing.InstanceID == c.cfg.InstanceID:
		existing.LastHeartbeat = now
		if werr := writeClaim(path, existing); werr != nil {
			return false, werr
		}
		c.owned[symbol] = struct{}{}
		return true, nil
	case now.Sub(existing.LastHeartbeat) <= c.cfg.HeartbeatTimeout:
		return false, nil // Live claim held by another instance.
	default:
		c.logger.Info("reclaiming stale symbol",
			"symbol", symbol,
			"previous_owner", existing.InstanceID,
			"stale_for", now.Sub(existing.LastHeartbeat),
		)
	}

	claim := Claim{
		Symbol:        symbol,
		InstanceID:    c.cfg.InstanceID,
		ClaimedAt:     now,
		LastHeartbeat: now,
	}
	if err := writeClaim(path, claim); err != nil {
		return false, err
	}
	c.owned[symbol] = struct{}{}
	return true, nil
}

// Release deletes the claim file iff we still own it.
func (c *Coordinator) Release(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.owned, symbol)

	path := c.claimPath(symbol)
	existing, err := readClaim(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.InstanceID != c.cfg.InstanceID {
		return ErrNotOwner
	}
	return os.Remove(path)
}

// RefreshHeartbeat re-reads every locally-owned claim; still-ours claims get
// a fresh heartbeat, stolen ones are dropped from the local set with a
// warning. Returns the symbols that were lost.
func (c *Coordinator) RefreshHeartbeat() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var lost []string

	for symbol := range c.owned {
		path := c.claimPath(symbol)
		existing, err := readClaim(path)
		if err != nil || existing.InstanceID != c.cfg.InstanceID {
			c.logger.Warn("claim lost to another instance",
				"symbol", symbol,
				"new_owner", existing.InstanceID,
			)
			delete(c.owned, symbol)
			lost = append(lost, symbol)
			continue
		}

		existing.LastHeartbeat = now
		if err := writeClaim(path, existing); err != nil {
			c.logger.Warn("heartbeat write failed", "symbol", symbol, "error", err)
		}
	}
	return lost
}

// ReclaimStale sweeps the directory, deleting every claim whose heartbeat is
// older than the timeout. Returns the reclaim count.
func (c *Coordinator) ReclaimStale() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("read claim dir: %w", err)
	}

	now := c.now()
	reclaimed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), claimSuffix) {
			continue
		}
		path := filepath.Join(c.cfg.Dir, entry.Name())
		claim, err := readClaim(path)
		if err != nil {
			continue
		}
		if now.Sub(claim.LastHeartbeat) > c.cfg.HeartbeatTimeout {
			if err := os.Remove(path); err == nil {
				reclaimed++
				c.logger.Info("reclaimed stale claim",
					"symbol", claim.Symbol,
					"owner", claim.InstanceID,
					"stale_for", now.Sub(claim.LastHeartbeat),
				)
			}
		}
	}
	return reclaimed, nil
}

// GetAllClaims returns the non-stale symbol → instanceId mapping across the
// directory.
func (c *Coordinator) GetAllClaims() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read claim dir: %w", err)
	}

	now := c.now()
	claims := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), claimSuffix) {
			continue
		}
		claim, err := readClaim(filepath.Join(c.cfg.Dir, entry.Name()))
		if err != nil {
			continue
		}
		if now.Sub(claim.LastHeartbeat) <= c.cfg.HeartbeatTimeout {
			claims[claim.Symbol] = claim.InstanceID
		}
	}
	return claims, nil
}

// OwnedSymbols returns the symbols this instance currently believes it owns.
func (c *Coordinator) OwnedSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.owned))
	for s := range c.owned {
		out = append(out, s)
	}
	return out
}

// heartbeatLoop refreshes owned claims on a jittered period so replicas do
// not synchronize their filesystem traffic.
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()

	for {
		interval := jitter(c.cfg.HeartbeatInterval)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(interval):
			c.RefreshHeartbeat()
		}
	}
}

// jitter scales d by a uniform factor in [0.9, 1.1].
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

// claimPath maps a symbol to its claim file. Path separators and colons in
// the symbol are flattened so BRK/A and EUR:USD stay valid filenames.
func (c *Coordinator) claimPath(symbol string) string {
	return filepath.Join(c.cfg.Dir, SanitizeSymbol(symbol)+claimSuffix)
}

// SanitizeSymbol replaces /, \ and : with _ per the claim file contract.
func SanitizeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(symbol)
}

func readClaim(path string) (Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Claim{}, err
	}
	var claim Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		return Claim{}, fmt.Errorf("parse claim file %s: %w", path, err)
	}
	return claim, nil
}

func writeClaim(path string, claim Claim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
