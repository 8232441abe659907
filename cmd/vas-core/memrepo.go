package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/vas-core/pkg/model"
	"github.com/ethan/vas-core/pkg/vaserr"
)

// memRepository is a process-memory stand-in for model.Repository. Real
// deployments own their own relational mapping (out of scope for this
// core, per §1); this lets the binary boot and drive the full Start/Stop/
// Restart/health/retention loop end to end without one.
type memRepository struct {
	mu        sync.Mutex
	cameras   map[uuid.UUID]*model.Camera
	streams   map[uuid.UUID]*model.Stream
	producers map[uuid.UUID][]*model.Producer
}

func newMemRepository() *memRepository {
	return &memRepository{
		cameras:   make(map[uuid.UUID]*model.Camera),
		streams:   make(map[uuid.UUID]*model.Stream),
		producers: make(map[uuid.UUID][]*model.Producer),
	}
}

// addCamera registers a camera and its zero-state Stream row, called once
// per configured camera at boot.
func (r *memRepository) addCamera(id uuid.UUID, rtspURL, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras[id] = &model.Camera{ID: id, RTSPURL: rtspURL, Name: name}
	r.streams[id] = &model.Stream{
		ID:        uuid.New(),
		CameraID:  id,
		State:     model.StreamInitializing,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func (r *memRepository) GetCamera(ctx context.Context, cameraID uuid.UUID) (*model.Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cameras[cameraID]
	if !ok {
		return nil, vaserr.New(vaserr.KindNotFound, "camera not found")
	}
	cp := *c
	return &cp, nil
}

func (r *memRepository) GetStream(ctx context.Context, cameraID uuid.UUID) (*model.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[cameraID]
	if !ok {
		return nil, vaserr.New(vaserr.KindNotFound, "stream not found")
	}
	cp := *s
	return &cp, nil
}

func (r *memRepository) ListStreams(ctx context.Context) ([]*model.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepository) ApplyTransition(ctx context.Context, stream *model.Stream, audit model.AuditEntry, cascadeCloseProducers bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *stream
	cp.UpdatedAt = time.Now()
	r.streams[stream.CameraID] = &cp
	if cascadeCloseProducers {
		for _, p := range r.producers[stream.ID] {
			p.State = model.ProducerClosed
		}
	}
	return nil
}

func (r *memRepository) UpsertActiveProducer(ctx context.Context, producer *model.Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.producers[producer.StreamID]
	for _, p := range list {
		if p.State == model.ProducerActive {
			p.State = model.ProducerClosed
		}
	}
	cp := *producer
	cp.ID = uuid.New()
	cp.State = model.ProducerActive
	r.producers[producer.StreamID] = append(list, &cp)
	return nil
}

func (r *memRepository) CloseAllProducers(ctx context.Context, streamID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.producers[streamID] {
		p.State = model.ProducerClosed
	}
	return nil
}

func (r *memRepository) GetActiveProducer(ctx context.Context, streamID uuid.UUID) (*model.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.producers[streamID] {
		if p.State == model.ProducerActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, vaserr.New(vaserr.KindNotFound, "no active producer")
}
