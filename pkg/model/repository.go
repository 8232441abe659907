package model

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the small persistence interface the core consumes. The
// actual relational mapping, transaction handling, and schema are owned
// elsewhere; the core only ever sees this surface.
type Repository interface {
	GetCamera(ctx context.Context, cameraID uuid.UUID) (*Camera, error)

	GetStream(ctx context.Context, cameraID uuid.UUID) (*Stream, error)
	// ListStreams returns every Stream row, backing GET /streams (§6.5).
	ListStreams(ctx context.Context) ([]*Stream, error)
	// ApplyTransition persists a Stream's new state together with its audit
	// row in a single unit of work (invariant I5). side effects describing
	// producer cascades are passed via cascadeCloseProducers.
	ApplyTransition(ctx context.Context, stream *Stream, audit AuditEntry, cascadeCloseProducers bool) error

	UpsertActiveProducer(ctx context.Context, producer *Producer) error
	CloseAllProducers(ctx context.Context, streamID uuid.UUID) error
	GetActiveProducer(ctx context.Context, streamID uuid.UUID) (*Producer, error)
}
