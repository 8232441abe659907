// Package orchestrator implements the IngestionOrchestrator (§4.6): the
// central algorithm that brings a camera's pipeline up, tears it down, or
// reconnects it, composing RouterRPC, SSRCCapture, TranscoderSupervisor,
// PortAllocator, and StreamStateMachine.
package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/model"
	"github.com/ethan/vas-core/pkg/portalloc"
	"github.com/ethan/vas-core/pkg/router"
	"github.com/ethan/vas-core/pkg/session"
	"github.com/ethan/vas-core/pkg/ssrccapture"
	"github.com/ethan/vas-core/pkg/statemachine"
	"github.com/ethan/vas-core/pkg/transcoder"
	"github.com/ethan/vas-core/pkg/vaserr"
)

// Config bundles the tunables §5/§6.6 name for the Start/Stop/Restart flow.
type Config struct {
	RouterHost        string
	RecordingsRoot    string
	TranscoderBin     string
	TransportWaitAfterClose time.Duration // 300-500ms, step 3
	TranscoderHeadStart    time.Duration // 200ms, step 5B
	SSRCCaptureTimeout     time.Duration // 15s
	ProducerReadyTimeout   time.Duration // 8s
	ProducerReadyPoll      time.Duration // 300ms
	TerminateGrace         time.Duration // 5s
	OrphanSweepEnabled     bool
}

// DefaultConfig returns the defaults named in §5/§6.6.
func DefaultConfig() Config {
	return Config{
		RouterHost:              "127.0.0.1",
		RecordingsRoot:          "/recordings/hot",
		TranscoderBin:           "ffmpeg",
		TransportWaitAfterClose: 400 * time.Millisecond,
		TranscoderHeadStart:     200 * time.Millisecond,
		SSRCCaptureTimeout:      15 * time.Second,
		ProducerReadyTimeout:    8 * time.Second,
		ProducerReadyPoll:       300 * time.Millisecond,
		TerminateGrace:          5 * time.Second,
		OrphanSweepEnabled:      true,
	}
}

// Orchestrator is the composition of every leaf component named in §2.
type Orchestrator struct {
	cfg      Config
	repo     model.Repository
	rpc      *router.Client
	ports    *portalloc.Allocator
	registry *session.Registry
	log      *logger.Logger

	// OnHealthUnregister is invoked on Stop/Restart so HealthMonitor stops
	// tracking a room. Left nil until HealthMonitor is wired (design note
	// "Cyclic references": the monitor is injected into, never imports,
	// the orchestrator, so this optional hook runs the other direction).
	OnHealthUnregister  func(roomID string)
	OnHealthRegister    func(roomID, producerID string)
	OnHealthMarkHealthy func(roomID string)
}

// New constructs an Orchestrator from its leaf dependencies.
func New(cfg Config, repo model.Repository, rpc *router.Client, ports *portalloc.Allocator, registry *session.Registry, log *logger.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, repo: repo, rpc: rpc, ports: ports, registry: registry, log: log}
}

// StartResult is the outward-facing summary of a successful Start, matching
// the response body fields named in §6.5.
type StartResult struct {
	CameraID      uuid.UUID
	RoomID        string
	TransportID   string
	ProducerVideo string
	Reconnect     bool
	ProducerReady bool
	StartedAt     time.Time
}

// Start brings a camera's ingestion pipeline up. Idempotent: a second call
// while a session is already active and healthy returns reconnect=true
// without creating new router objects (§4.6 step 1, round-trip law).
func (o *Orchestrator) Start(ctx context.Context, cameraID uuid.UUID) (*StartResult, error) {
	unlock := o.registry.Lock(cameraID)
	defer unlock()
	return o.startLocked(ctx, cameraID, "user")
}

// Stop idempotently tears a camera's pipeline down (§4.6 Stop).
func (o *Orchestrator) Stop(ctx context.Context, cameraID uuid.UUID) error {
	unlock := o.registry.Lock(cameraID)
	defer unlock()
	return o.stopLocked(ctx, cameraID, "user", true)
}

// Restart tears down and rebuilds a camera's pipeline without touching the
// Stream row between the two halves (§4.6 Restart); called by HealthMonitor
// via its injected restart callback.
func (o *Orchestrator) Restart(ctx context.Context, cameraID uuid.UUID) error {
	unlock := o.registry.Lock(cameraID)
	defer unlock()

	if err := o.stopLocked(ctx, cameraID, "health_monitor", false); err != nil {
		o.log.Warn("restart: stop phase reported error, continuing to start", "camera_id", cameraID, "error", err)
	}
	_, err := o.startLocked(ctx, cameraID, "health_monitor")
	return err
}

func roomID(cameraID uuid.UUID) string {
	return cameraID.String()
}

// startLocked assumes the caller holds the camera's registry lock.
func (o *Orchestrator) startLocked(ctx context.Context, cameraID uuid.UUID, actor string) (result *StartResult, retErr error) {
	room := roomID(cameraID)

	camera, err := o.repo.GetCamera(ctx, cameraID)
	if err != nil {
		return nil, vaserr.Wrap(vaserr.KindNotFound, "look up camera", err)
	}

	if existing, ok := o.registry.Get(cameraID); ok {
		ids, err := o.rpc.GetProducers(ctx, room)
		if err == nil && containsString(ids, existing.RouterProducerID) {
			if upsertErr := o.repo.UpsertActiveProducer(ctx, &model.Producer{
				StreamID:          mustStreamID(ctx, o.repo, cameraID),
				RouterProducerID:  existing.RouterProducerID,
				RouterTransportID: existing.RouterTransportID,
				RouterRoomID:      room,
				SSRC:              existing.SSRC,
				State:             model.ProducerActive,
			}); upsertErr != nil {
				o.log.Warn("reconnect: refresh producer row failed", "camera_id", cameraID, "error", upsertErr)
			}
			if o.OnHealthMarkHealthy != nil {
				o.OnHealthMarkHealthy(room)
			}
			return &StartResult{
				CameraID: cameraID, RoomID: room,
				TransportID: existing.RouterTransportID, ProducerVideo: existing.RouterProducerID,
				Reconnect: true, ProducerReady: true, StartedAt: existing.StartedAt,
			}, nil
		}
		o.log.Info("existing session has no live producer, falling through to full restart", "camera_id", cameraID)
	}

	var undo []func()
	defer func() {
		if retErr != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			o.registry.Remove(cameraID)
			o.markError(ctx, cameraID, retErr, actor)
		}
	}()

	if o.cfg.OrphanSweepEnabled {
		if err := transcoder.KillOrphans(ctx, camera.RTSPURL, o.log); err != nil {
			o.log.Warn("orphan sweep failed, continuing", "camera_id", cameraID, "error", err)
		}
	}

	if _, err := o.rpc.CloseTransportsForRoom(ctx, room); err != nil {
		return nil, vaserr.Wrap(vaserr.KindRouterUnavailable, "close stale transports", err)
	}

	select {
	case <-time.After(o.cfg.TransportWaitAfterClose):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	port, err := o.ports.Reserve(cameraID.String())
	if err != nil {
		return nil, vaserr.Wrap(vaserr.KindInternal, "reserve port", err)
	}
	undo = append(undo, func() { o.ports.Release(cameraID.String()) })

	type ssrcOutcome struct {
		result ssrccapture.Result
		err    error
	}
	ssrcCh := make(chan ssrcOutcome, 1)
	go func() {
		r, err := ssrccapture.Capture(ctx, port, o.cfg.SSRCCaptureTimeout, o.log)
		ssrcCh <- ssrcOutcome{r, err}
	}()

	select {
	case <-time.After(o.cfg.TranscoderHeadStart):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sup, err := transcoder.Spawn(ctx, transcoder.Spec{
		CameraID:       cameraID.String(),
		RTSPURL:        camera.RTSPURL,
		RouterHost:     o.cfg.RouterHost,
		DestPort:       port,
		SourcePort:     port,
		SSRC:           chosenSSRC(cameraID),
		RecordingsRoot: o.cfg.RecordingsRoot,
		TranscoderBin:  o.cfg.TranscoderBin,
	}, o.log)
	if err != nil {
		return nil, vaserr.Wrap(vaserr.KindTranscoderError, "spawn transcoder", err)
	}
	undo = append(undo, func() { _ = sup.Terminate(o.cfg.TerminateGrace) })

	var ssrc uint32
	select {
	case outcome := <-ssrcCh:
		if outcome.err != nil {
			return nil, vaserr.Wrap(vaserr.KindInternal, "bind ssrc capture socket", outcome.err)
		}
		if outcome.result.Success {
			ssrc = outcome.result.SSRC
		} else {
			o.log.Warn("ssrc capture timed out, continuing with ssrc=0", "camera_id", cameraID, "port", port)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	transport, err := o.rpc.CreatePlainRTPTransport(ctx, room, port)
	if err != nil {
		return nil, vaserr.Wrap(vaserr.KindRouterUnavailable, "create plain rtp transport", err)
	}
	undo = append(undo, func() { _ = o.rpc.CloseTransport(context.Background(), transport.TransportID) })

	if staleIDs, err := o.rpc.GetProducers(ctx, room); err == nil {
		for _, id := range staleIDs {
			_ = o.rpc.CloseProducer(ctx, id)
		}
	}

	producer, err := o.rpc.CreateProducer(ctx, transport.TransportID, "video", router.RTPParameters{SSRC: ssrc})
	if err != nil {
		return nil, vaserr.Wrap(vaserr.KindRouterUnavailable, "create producer", err)
	}
	undo = append(undo, func() { _ = o.rpc.CloseProducer(context.Background(), producer.ProducerID) })

	if err := o.rpc.ConnectPlainTransport(ctx, transport.TransportID, "127.0.0.1", port); err != nil {
		return nil, vaserr.Wrap(vaserr.KindRouterUnavailable, "connect plain transport", err)
	}

	producerReady := o.waitProducerReady(ctx, producer.ProducerID, room)

	stream, err := o.repo.GetStream(ctx, cameraID)
	if err != nil {
		return nil, vaserr.Wrap(vaserr.KindInternal, "load stream row", err)
	}

	startedAt := time.Now()
	stream.Metadata = model.SessionMetadata{
		TransportID:   transport.TransportID,
		ProducerID:    producer.ProducerID,
		SSRC:          ssrc,
		StartedAt:     startedAt,
		RestartReason: actor,
	}
	if err := advanceToLive(ctx, o.repo, stream, actor); err != nil {
		return nil, err
	}

	if err := o.repo.UpsertActiveProducer(ctx, &model.Producer{
		StreamID:          stream.ID,
		RouterProducerID:  producer.ProducerID,
		RouterTransportID: transport.TransportID,
		RouterRoomID:      room,
		SSRC:              ssrc,
		RTPParameters:     model.RTPParameters{SSRC: ssrc},
		State:             model.ProducerActive,
	}); err != nil {
		return nil, vaserr.Wrap(vaserr.KindInternal, "persist producer row", err)
	}

	o.registry.Put(cameraID, &session.Session{
		CameraID:             cameraID,
		RTSPURL:              camera.RTSPURL,
		RouterTransportID:    transport.TransportID,
		RouterProducerID:     producer.ProducerID,
		AssignedPort:         port,
		TranscoderSourcePort: port,
		SSRC:                 ssrc,
		StartedAt:            startedAt,
		Transcoder:           sup,
	})

	if o.OnHealthRegister != nil {
		o.OnHealthRegister(room, producer.ProducerID)
	}
	if o.OnHealthMarkHealthy != nil {
		o.OnHealthMarkHealthy(room)
	}

	return &StartResult{
		CameraID: cameraID, RoomID: room,
		TransportID: transport.TransportID, ProducerVideo: producer.ProducerID,
		Reconnect: false, ProducerReady: producerReady, StartedAt: startedAt,
	}, nil
}

// stopLocked assumes the caller holds the camera's registry lock.
// touchStreamRow controls whether the state machine is driven to STOPPED;
// Restart's internal stop phase passes false (§4.6 Restart: "without
// touching the Stream row between them").
func (o *Orchestrator) stopLocked(ctx context.Context, cameraID uuid.UUID, actor string, touchStreamRow bool) error {
	room := roomID(cameraID)

	sess, ok := o.registry.Get(cameraID)
	if ok && sess.Transcoder != nil {
		if err := sess.Transcoder.Terminate(o.cfg.TerminateGrace); err != nil {
			o.log.Warn("stop: transcoder terminate error", "camera_id", cameraID, "error", err)
		}
	}

	if o.OnHealthUnregister != nil {
		o.OnHealthUnregister(room)
	}

	if ids, err := o.rpc.GetProducers(ctx, room); err == nil {
		for _, id := range ids {
			if err := o.rpc.CloseProducer(ctx, id); err != nil {
				o.log.Warn("stop: close producer failed", "camera_id", cameraID, "producer_id", id, "error", err)
			}
		}
	}

	o.registry.Remove(cameraID)

	if !touchStreamRow {
		return nil
	}

	stream, err := o.repo.GetStream(ctx, cameraID)
	if err != nil {
		return vaserr.Wrap(vaserr.KindInternal, "load stream row", err)
	}
	if stream.State == model.StreamStopped || stream.State == model.StreamClosed {
		return nil
	}
	return statemachine.Apply(ctx, o.repo, stream, statemachine.EventStop, actor, actor)
}

// waitProducerReady polls get_all_producer_stats until producerID shows
// packets_received > 0 or the timeout elapses (§4.6 step 11). A timeout is
// not an error: HealthMonitor takes over from here.
func (o *Orchestrator) waitProducerReady(ctx context.Context, producerID, room string) bool {
	deadline := time.Now().Add(o.cfg.ProducerReadyTimeout)
	ticker := time.NewTicker(o.cfg.ProducerReadyPoll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		stats, err := o.rpc.GetAllProducerStats(ctx)
		if err == nil {
			for _, s := range stats {
				if s.ProducerID == producerID && s.PacketsReceived > 0 {
					return true
				}
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// advanceToLive drives stream through whatever legal hops are needed to
// reach LIVE from its current state, applying the final transition with the
// already-populated stream.Metadata.
func advanceToLive(ctx context.Context, repo model.Repository, stream *model.Stream, actor string) error {
	if stream.State == model.StreamError || stream.State == model.StreamStopped {
		if err := statemachine.Apply(ctx, repo, stream, statemachine.EventReInit, "restart", actor); err != nil {
			return err
		}
	}
	if stream.State == model.StreamInitializing {
		if err := statemachine.Apply(ctx, repo, stream, statemachine.EventReady, "transport ready", actor); err != nil {
			return err
		}
	}
	switch stream.State {
	case model.StreamReady:
		return statemachine.Apply(ctx, repo, stream, statemachine.EventLive, "producer live", actor)
	case model.StreamLive:
		return statemachine.Apply(ctx, repo, stream, statemachine.EventRestart, "producer re-live", actor)
	default:
		return vaserr.New(vaserr.KindIllegalTransition, fmt.Sprintf("cannot reach LIVE from %q", stream.State))
	}
}

// markError attempts to transition the stream to ERROR after a failed
// Start. Best-effort: a failure here is logged, not returned, so the
// original error from startLocked is what the caller sees.
func (o *Orchestrator) markError(ctx context.Context, cameraID uuid.UUID, cause error, actor string) {
	stream, err := o.repo.GetStream(ctx, cameraID)
	if err != nil {
		o.log.Error("markError: could not load stream row", "camera_id", cameraID, "error", err)
		return
	}
	if stream.State == model.StreamError || stream.State == model.StreamClosed {
		return
	}
	if err := statemachine.Apply(ctx, o.repo, stream, statemachine.EventErrorOut, cause.Error(), actor); err != nil {
		o.log.Error("markError: transition failed", "camera_id", cameraID, "error", err)
	}
}

// chosenSSRC deterministically derives the SSRC ffmpeg is told to use via
// its -ssrc flag (§6.3 "signed-converted form of the chosen value"), using
// the same stable-hash idiom as PortAllocator so a given camera always asks
// for the same value across restarts. The authoritative ssrc recorded on
// the Stream and Producer is still whatever SSRCCapture reads off the wire
// (0 on timeout, per §4.6 step 6) — this only seeds ffmpeg's command line.
func chosenSSRC(cameraID uuid.UUID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cameraID.String()))
	v := h.Sum32()
	if v == 0 {
		return 1
	}
	return v
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// mustStreamID is a narrow helper for the reconnect short-circuit path,
// which only needs the stream's persistence id to refresh the Producer row.
func mustStreamID(ctx context.Context, repo model.Repository, cameraID uuid.UUID) uuid.UUID {
	stream, err := repo.GetStream(ctx, cameraID)
	if err != nil {
		return uuid.Nil
	}
	return stream.ID
}
