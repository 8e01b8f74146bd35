package acp

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
)

// Janitor runs two independent background sweeps: a ticker-based idle
// session reaper, and a cron-scheduled stale binary-cache sweep. The two
// stay separate because their cadences are different in kind — a short
// fixed interval vs. a calendar schedule.
type Janitor struct {
	registry    *Registry
	binaryStore *BinaryStore

	idleTimeout      time.Duration
	reapInterval     time.Duration
	binaryCacheMaxAge time.Duration

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor builds a janitor over a session registry and binary store.
// idleTimeout is how long a session may go without activity before it is
// reaped; reapInterval is how often the reaper checks; binaryCacheMaxAge is
// how old a cached release version directory may get before the sweep
// deletes it.
func NewJanitor(registry *Registry, store *BinaryStore, idleTimeout, reapInterval, binaryCacheMaxAge time.Duration) *Janitor {
	return &Janitor{
		registry:          registry,
		binaryStore:       store,
		idleTimeout:       idleTimeout,
		reapInterval:       reapInterval,
		binaryCacheMaxAge: binaryCacheMaxAge,
	}
}

// Start begins the idle-session reaper loop and, if sweepCronExpr is
// non-empty, schedules the binary-cache sweep on that cron expression.
func (j *Janitor) Start(sweepCronExpr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)

	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.reapIdleSessions()
			}
		}
	}()

	if sweepCronExpr != "" {
		j.cron = cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
		if _, err := j.cron.AddFunc(sweepCronExpr, j.sweepBinaryCache); err != nil {
			cancel()
			return err
		}
		j.cron.Start()
	}

	logger.Printf("acp: janitor started (idle_timeout=%v, reap_interval=%v)", j.idleTimeout, j.reapInterval)
	return nil
}

// Stop halts both sweeps and waits for the reaper goroutine to exit.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	if j.cancel != nil {
		j.cancel()
		j.wg.Wait()
	}
	logger.Println("acp: janitor stopped")
}

func (j *Janitor) reapIdleSessions() {
	cutoff := time.Now().Add(-j.idleTimeout)
	idle := j.registry.IdleSessions(cutoff)
	for _, id := range idle {
		j.registry.Close(id, "idle_timeout", time.Since(cutoff).Seconds())
		logger.Printf("acp: reaped idle session %s", id)
	}
	if len(idle) > 0 {
		logger.Printf("acp: reaped %d idle session(s)", len(idle))
	}
}

// sweepBinaryCache removes cached release version directories older than
// binaryCacheMaxAge, under every agent_binaries/<name>/ subdirectory.
func (j *Janitor) sweepBinaryCache() {
	if j.binaryStore == nil {
		return
	}
	cutoff := time.Now().Add(-j.binaryCacheMaxAge)

	agentDirs, err := os.ReadDir(j.binaryStore.Root())
	if err != nil {
		return
	}

	var removed int
	for _, agentDir := range agentDirs {
		if !agentDir.IsDir() {
			continue
		}
		versionsPath := filepath.Join(j.binaryStore.Root(), agentDir.Name())
		versions, err := os.ReadDir(versionsPath)
		if err != nil {
			continue
		}
		for _, v := range versions {
			info, err := v.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(versionsPath, v.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Printf("acp: swept %d stale binary cache version(s)", removed)
	}
}
