// Package statemachine implements the Stream transition table from §3/§4.5:
// a pure function from (current state, event) to a next state or rejection,
// plus the side effects a caller must apply alongside the persistence write.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/ethan/vas-core/pkg/model"
	"github.com/ethan/vas-core/pkg/vaserr"
)

// Event is one of the named transitions a caller may request.
type Event string

const (
	EventReady     Event = "ready"
	EventLive      Event = "live"
	EventRestart   Event = "restart"  // LIVE -> LIVE, re-entering
	EventErrorOut  Event = "error"
	EventStop      Event = "stop"
	EventReInit    Event = "reinit" // ERROR|STOPPED -> INITIALIZING
	EventClose     Event = "close"
)

// table enumerates every legal (state, event) -> next-state pair in one
// place, per design note "Dynamic dispatch on state".
var table = map[model.StreamState]map[Event]model.StreamState{
	model.StreamInitializing: {
		EventReady:    model.StreamReady,
		EventErrorOut: model.StreamError,
		EventStop:     model.StreamStopped,
	},
	model.StreamReady: {
		EventLive:     model.StreamLive,
		EventErrorOut: model.StreamError,
		EventStop:     model.StreamStopped,
	},
	model.StreamLive: {
		EventRestart:  model.StreamLive,
		EventErrorOut: model.StreamError,
		EventStop:     model.StreamStopped,
	},
	model.StreamError: {
		EventReInit: model.StreamInitializing,
		EventStop:   model.StreamStopped,
	},
	model.StreamStopped: {
		EventReInit: model.StreamInitializing,
		EventClose:  model.StreamClosed,
	},
}

// cascadesProducerClose reports whether a transition into `to` must close
// every non-CLOSED Producer of the stream.
func cascadesProducerClose(to model.StreamState) bool {
	switch to {
	case model.StreamError, model.StreamStopped, model.StreamClosed:
		return true
	default:
		return false
	}
}

// Next computes the legal next state for (current, event), or an
// IllegalTransition error if the pair is not in the table. It performs no
// I/O; Apply below does.
func Next(current model.StreamState, event Event) (model.StreamState, error) {
	events, ok := table[current]
	if !ok {
		return "", vaserr.New(vaserr.KindIllegalTransition, fmt.Sprintf("unknown state %q", current))
	}
	next, ok := events[event]
	if !ok {
		return "", vaserr.New(vaserr.KindIllegalTransition, fmt.Sprintf("event %q illegal from state %q", event, current))
	}
	return next, nil
}

// Apply attempts the transition and, if legal, persists the new state and
// its audit row in one call to repo.ApplyTransition. On illegal transitions
// the persistence layer is never touched (P5). On persistence failure the
// in-memory Stream is rolled back to its state before the call.
func Apply(ctx context.Context, repo model.Repository, stream *model.Stream, event Event, reason, actor string) error {
	next, err := Next(stream.State, event)
	if err != nil {
		return err
	}

	previous := stream.State
	stream.State = next
	stream.UpdatedAt = time.Now()

	audit := model.AuditEntry{
		StreamID:  stream.ID,
		ToState:   next,
		Reason:    reason,
		Metadata:  stream.Metadata,
		Actor:     actor,
		Timestamp: stream.UpdatedAt,
	}

	cascade := cascadesProducerClose(next)

	if err := repo.ApplyTransition(ctx, stream, audit, cascade); err != nil {
		stream.State = previous
		return vaserr.Wrap(vaserr.KindInternal, "persist transition", err)
	}

	return nil
}
