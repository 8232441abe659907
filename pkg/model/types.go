// Package model defines the entities the ingestion core reads and mutates.
// Persistence itself is out of scope for the core (see repository.go); these
// types are the shapes the core passes across that boundary.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Camera is owned by the persistence layer; the core only reads it.
type Camera struct {
	ID       uuid.UUID `json:"id"`
	RTSPURL  string    `json:"rtsp_url"`
	Name     string    `json:"name"`
	Location string    `json:"location"`
}

// StreamState is the finite set of lifecycle states from §3.
type StreamState string

const (
	StreamInitializing StreamState = "INITIALIZING"
	StreamReady        StreamState = "READY"
	StreamLive         StreamState = "LIVE"
	StreamError        StreamState = "ERROR"
	StreamStopped      StreamState = "STOPPED"
	StreamClosed       StreamState = "CLOSED"
)

// SessionMetadata is the session-scoped detail persisted alongside a Stream
// row whenever the state machine transitions it.
type SessionMetadata struct {
	TransportID   string    `json:"transport_id"`
	ProducerID    string    `json:"producer_id"`
	SSRC          uint32    `json:"ssrc"`
	StartedAt     time.Time `json:"started_at"`
	RestartReason string    `json:"restart_reason,omitempty"`
}

// Stream is the per-camera lifecycle record. Exactly zero-or-one Stream
// exists per Camera at any time.
type Stream struct {
	ID        uuid.UUID       `json:"id"`
	CameraID  uuid.UUID       `json:"camera_id"`
	State     StreamState     `json:"state"`
	Codec     CodecDescriptor `json:"codec"`
	Metadata  SessionMetadata `json:"session_metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CodecDescriptor names the codec carried by a Stream's active producer.
type CodecDescriptor struct {
	Name        string `json:"name"`
	Profile     string `json:"profile,omitempty"`
	PayloadType uint8  `json:"payload_type"`
}

// ProducerState is the lifecycle of a router-side Producer object.
type ProducerState string

const (
	ProducerActive ProducerState = "ACTIVE"
	ProducerClosed ProducerState = "CLOSED"
)

// Producer mirrors a router-side producer. At most one ACTIVE Producer
// exists per Stream (invariant I1).
type Producer struct {
	ID               uuid.UUID
	StreamID         uuid.UUID
	RouterProducerID string
	RouterTransportID string
	RouterRoomID     string
	SSRC             uint32
	RTPParameters    RTPParameters
	State            ProducerState
}

// RTPParameters is the snapshot of codec/encoding parameters handed to the
// router when a producer is created.
type RTPParameters struct {
	MID    string
	Codecs []CodecDescriptor
	SSRC   uint32
}

// ConsumerState is the lifecycle of a router-side Consumer object. The core
// exposes open/close hooks but does not drive this state itself.
type ConsumerState string

const (
	ConsumerConnecting ConsumerState = "CONNECTING"
	ConsumerConnected  ConsumerState = "CONNECTED"
	ConsumerPaused     ConsumerState = "PAUSED"
	ConsumerClosed     ConsumerState = "CLOSED"
)

// Consumer is an external-collaborator view only; the core never mutates
// this beyond exposing the hooks the router surface needs.
type Consumer struct {
	StreamID          uuid.UUID
	ClientID          string
	RouterConsumerID  string
	RouterTransportID string
	State             ConsumerState
	LastSeenAt        time.Time
}

// AuditEntry records one state-machine transition (invariant I5: written in
// the same unit of work as the state change itself).
type AuditEntry struct {
	StreamID  uuid.UUID
	ToState   StreamState
	Reason    string
	Metadata  SessionMetadata
	Actor     string
	Timestamp time.Time
}
