// Package health implements HealthMonitor (§4.7): a single background loop
// that polls router producer statistics, classifies producers as stale, and
// triggers a restart through an injected callback under cooldown and
// attempt-cap discipline.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/router"
)

// Config names the tunables from §4.7/§6.6.
type Config struct {
	CheckInterval   time.Duration // default 10s
	StartDelay      time.Duration // default 5s after boot
	StaleThreshold  int           // default 3 consecutive misses
	RestartCooldown time.Duration // default 30s
	MaxAttempts     int           // default 3
}

// DefaultConfig returns the defaults named in §6.6.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   10 * time.Second,
		StartDelay:      5 * time.Second,
		StaleThreshold:  3,
		RestartCooldown: 30 * time.Second,
		MaxAttempts:     3,
	}
}

// RestartFunc is injected at construction so the monitor never imports the
// orchestrator (design note "Cyclic references").
type RestartFunc func(ctx context.Context, roomID string) error

type roomTracking struct {
	producerID      string
	seen            bool
	lastPackets     uint64
	staleCount      int
	restartAttempts int
	lastRestartAt   time.Time
	failed          bool
}

// Monitor is the single background health loop, grounded on the teacher's
// map[string]*CameraStream + per-key mutation pattern in
// pkg/nest/multi_manager.go, narrowed to this spec's stale/cooldown/cap
// algorithm.
type Monitor struct {
	cfg     Config
	rpc     *router.Client
	restart RestartFunc
	log     *logger.Logger

	mu    sync.Mutex
	rooms map[string]*roomTracking

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Monitor. Call Start to begin polling.
func New(cfg Config, rpc *router.Client, restart RestartFunc, log *logger.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		rpc:     rpc,
		restart: restart,
		log:     log,
		rooms:   make(map[string]*roomTracking),
	}
}

// Start launches the background polling loop, waiting cfg.StartDelay before
// the first cycle.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-time.After(m.cfg.StartDelay):
		case <-runCtx.Done():
			return
		}

		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			m.runCycle(runCtx)
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Register starts tracking roomID with a fresh stale counter, called by the
// orchestrator after a successful Start (§4.6 step 13).
func (m *Monitor) Register(roomID, producerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rooms[roomID]
	attempts := 0
	if ok {
		attempts = existing.restartAttempts
	}
	m.rooms[roomID] = &roomTracking{producerID: producerID, restartAttempts: attempts}
}

// Unregister stops tracking roomID, called by the orchestrator's Stop path.
func (m *Monitor) Unregister(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
}

// MarkHealthy zeroes the restart-attempt counter and clears any FAILED mark
// for roomID, called on any successful Start.
func (m *Monitor) MarkHealthy(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.rooms[roomID]; ok {
		rt.restartAttempts = 0
		rt.failed = false
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	stats, err := m.rpc.GetAllProducerStats(ctx)
	if err != nil {
		m.log.DebugHealth("health cycle: stats poll failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var toRestart []string

	for _, stat := range stats {
		rt, tracked := m.rooms[stat.RoomID]
		if !tracked {
			continue // not an orchestrator-managed room right now
		}

		if rt.producerID != stat.ProducerID {
			// A new producer appeared for this room (e.g. a restart we
			// triggered completed) — start its tracking fresh.
			rt.producerID = stat.ProducerID
			rt.seen = true
			rt.lastPackets = stat.PacketsReceived
			rt.staleCount = 0
			continue
		}

		if !rt.seen {
			rt.seen = true
			rt.lastPackets = stat.PacketsReceived
			continue
		}

		if stat.PacketsReceived > rt.lastPackets {
			rt.lastPackets = stat.PacketsReceived
			rt.staleCount = 0
			rt.restartAttempts = 0
			continue
		}

		rt.staleCount++
		if rt.staleCount < m.cfg.StaleThreshold {
			continue
		}

		if time.Since(rt.lastRestartAt) < m.cfg.RestartCooldown {
			continue
		}
		if rt.restartAttempts >= m.cfg.MaxAttempts {
			if !rt.failed {
				rt.failed = true
				m.log.Error("health: room exceeded max restart attempts, marking failed", "room_id", stat.RoomID)
			}
			continue
		}

		rt.restartAttempts++
		rt.lastRestartAt = time.Now()
		rt.staleCount = 0
		rt.seen = false
		toRestart = append(toRestart, stat.RoomID)
	}

	for _, room := range toRestart {
		room := room
		m.log.Warn("health: triggering restart", "room_id", room)
		go func() {
			if err := m.restart(ctx, room); err != nil {
				m.log.Error("health: restart failed", "room_id", room, "error", err)
			}
		}()
	}
}

// Status is a point-in-time view of one tracked room, for the
// GET /health/streams surface (§6.5).
type Status struct {
	RoomID          string `json:"room_id"`
	ProducerID      string `json:"producer_id"`
	StaleCount      int    `json:"stale_count"`
	RestartAttempts int    `json:"restart_attempts"`
	Failed          bool   `json:"failed"`
}

// Snapshot returns the current status of every tracked room.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.rooms))
	for room, rt := range m.rooms {
		out = append(out, Status{
			RoomID:          room,
			ProducerID:      rt.producerID,
			StaleCount:      rt.staleCount,
			RestartAttempts: rt.restartAttempts,
			Failed:          rt.failed,
		})
	}
	return out
}

// MonitoredProducers returns how many rooms are currently tracked, the
// `monitored_producers` figure from §8 scenario 1.
func (m *Monitor) MonitoredProducers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
