// Package retention implements RetentionManager (§4.8): a background prune
// loop that deletes recording directories past their retention window, plus
// a disk-guard loop that prunes oldest-first under space pressure.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ethan/vas-core/pkg/logger"
)

const dateDirLayout = "20060102"

// Config names the tunables from §4.8/§6.6.
type Config struct {
	RecordingsRoot string
	RetentionDays  int
	Interval       time.Duration // default 6h
	FirstRunDelay  time.Duration // default 60s

	CriticalPercent float64 // default 95, prune to CriticalTarget
	CriticalTarget  float64 // default 80
	WarningPercent  float64 // default 90, prune to WarningTarget
	WarningTarget   float64 // default 85
	AdvisoryPercent float64 // default 85, warn only
}

// DefaultConfig returns the defaults named in §6.6.
func DefaultConfig() Config {
	return Config{
		RecordingsRoot:  "/recordings/hot",
		RetentionDays:   7,
		Interval:        6 * time.Hour,
		FirstRunDelay:   60 * time.Second,
		CriticalPercent: 95,
		CriticalTarget:  80,
		WarningPercent:  90,
		WarningTarget:   85,
		AdvisoryPercent: 85,
	}
}

// Manager runs the retention/disk-guard loop.
type Manager struct {
	cfg Config
	log *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager.
func New(cfg Config, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, log: log}
}

// Start launches the background loop, waiting cfg.FirstRunDelay before the
// first cycle.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-time.After(m.cfg.FirstRunDelay):
		case <-runCtx.Done():
			return
		}

		for {
			m.runCycle(runCtx)
			select {
			case <-runCtx.Done():
				return
			case <-time.After(m.cfg.Interval):
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) runCycle(ctx context.Context) {
	m.checkDiskSpace(ctx)
	m.cleanupOldRecordings(ctx)
}

type dateDir struct {
	path     string
	cameraID string
	dateStr  string
	date     time.Time
	size     int64
}

// listDateDirs walks RecordingsRoot/<camera_id>/<YYYYMMDD> directories,
// skipping anything that doesn't parse as a date (e.g. the stream.m3u8
// playlist living alongside them).
func listDateDirs(root string) ([]dateDir, error) {
	cameraEntries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []dateDir
	for _, cam := range cameraEntries {
		if !cam.IsDir() {
			continue
		}
		camPath := filepath.Join(root, cam.Name())
		dateEntries, err := os.ReadDir(camPath)
		if err != nil {
			continue
		}
		for _, d := range dateEntries {
			if !d.IsDir() {
				continue
			}
			parsed, err := time.Parse(dateDirLayout, d.Name())
			if err != nil {
				continue
			}
			datePath := filepath.Join(camPath, d.Name())
			out = append(out, dateDir{
				path:     datePath,
				cameraID: cam.Name(),
				dateStr:  d.Name(),
				date:     parsed,
				size:     dirSize(datePath),
			})
		}
	}
	return out, nil
}

func dirSize(path string) int64 {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

// cleanupOldRecordings deletes every date directory older than
// RetentionDays, across all cameras.
func (m *Manager) cleanupOldRecordings(ctx context.Context) {
	dirs, err := listDateDirs(m.cfg.RecordingsRoot)
	if err != nil {
		m.log.DebugRetention("cleanup: could not list recordings root", "error", err)
		return
	}

	cutoff := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)
	var deleted int
	var freed int64

	for _, d := range dirs {
		if ctx.Err() != nil {
			return
		}
		if d.date.After(cutoff) || d.date.Equal(cutoff) {
			continue
		}
		if err := os.RemoveAll(d.path); err != nil {
			m.log.Warn("cleanup: failed to delete expired recording", "path", d.path, "error", err)
			continue
		}
		deleted++
		freed += d.size
		m.log.Info("cleanup: deleted expired recording", "camera_id", d.cameraID, "date", d.dateStr, "bytes_freed", d.size)
	}

	if deleted > 0 {
		m.log.Info("cleanup: retention pass complete", "deleted_dirs", deleted, "bytes_freed", freed)
	} else {
		m.log.DebugRetention("cleanup: no expired recordings")
	}
}

func (m *Manager) checkDiskSpace(ctx context.Context) {
	usedPercent, err := diskUsedPercent(m.cfg.RecordingsRoot)
	if err != nil {
		m.log.Warn("disk check: failed", "error", err)
		return
	}
	m.log.DebugRetention("disk check", "used_percent", fmt.Sprintf("%.1f", usedPercent))

	switch {
	case usedPercent >= m.cfg.CriticalPercent:
		m.log.Error("disk usage critical, triggering emergency cleanup", "used_percent", usedPercent, "target_percent", m.cfg.CriticalTarget)
		m.emergencyCleanup(ctx, m.cfg.CriticalTarget)
	case usedPercent >= m.cfg.WarningPercent:
		m.log.Warn("disk usage high, triggering aggressive cleanup", "used_percent", usedPercent, "target_percent", m.cfg.WarningTarget)
		m.emergencyCleanup(ctx, m.cfg.WarningTarget)
	case usedPercent >= m.cfg.AdvisoryPercent:
		m.log.Warn("disk usage elevated, consider reducing retention window", "used_percent", usedPercent)
	}
}

// emergencyCleanup deletes the oldest date directories, across every
// camera, until disk usage falls at or below targetPercent.
func (m *Manager) emergencyCleanup(ctx context.Context, targetPercent float64) {
	dirs, err := listDateDirs(m.cfg.RecordingsRoot)
	if err != nil {
		m.log.Error("emergency cleanup: could not list recordings root", "error", err)
		return
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].date.Before(dirs[j].date) })

	var deleted int
	var freed int64

	for _, d := range dirs {
		if ctx.Err() != nil {
			return
		}
		usedPercent, err := diskUsedPercent(m.cfg.RecordingsRoot)
		if err != nil {
			m.log.Error("emergency cleanup: disk check failed mid-run", "error", err)
			return
		}
		if usedPercent <= targetPercent {
			m.log.Info("emergency cleanup: target reached", "used_percent", usedPercent)
			break
		}

		if err := os.RemoveAll(d.path); err != nil {
			m.log.Error("emergency cleanup: failed to delete", "path", d.path, "error", err)
			continue
		}
		deleted++
		freed += d.size
		m.log.Warn("emergency cleanup: deleted recording", "camera_id", d.cameraID, "date", d.dateStr, "bytes_freed", d.size)
	}

	final, _ := diskUsedPercent(m.cfg.RecordingsRoot)
	m.log.Warn("emergency cleanup complete", "deleted_dirs", deleted, "bytes_freed", freed, "final_used_percent", final)
}

// diskUsedPercent reports the percentage of the filesystem backing path
// that is currently in use.
func diskUsedPercent(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := stat.Bfree * uint64(stat.Bsize)
	used := total - free
	return float64(used) / float64(total) * 100, nil
}
