package statemachine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethan/vas-core/pkg/model"
	"github.com/ethan/vas-core/pkg/statemachine"
	"github.com/ethan/vas-core/pkg/vaserr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	applyCalls  int
	lastCascade bool
	failNext    bool
}

func (f *fakeRepo) GetCamera(ctx context.Context, id uuid.UUID) (*model.Camera, error) { return nil, nil }
func (f *fakeRepo) GetStream(ctx context.Context, cameraID uuid.UUID) (*model.Stream, error) {
	return nil, nil
}
func (f *fakeRepo) ListStreams(ctx context.Context) ([]*model.Stream, error) { return nil, nil }
func (f *fakeRepo) ApplyTransition(ctx context.Context, stream *model.Stream, audit model.AuditEntry, cascade bool) error {
	f.applyCalls++
	f.lastCascade = cascade
	if f.failNext {
		return assertErr
	}
	return nil
}
func (f *fakeRepo) UpsertActiveProducer(ctx context.Context, p *model.Producer) error { return nil }
func (f *fakeRepo) CloseAllProducers(ctx context.Context, streamID uuid.UUID) error   { return nil }
func (f *fakeRepo) GetActiveProducer(ctx context.Context, streamID uuid.UUID) (*model.Producer, error) {
	return nil, nil
}

var assertErr = errors.New("persist failed")

func TestNext_LegalTransitions(t *testing.T) {
	cases := []struct {
		from model.StreamState
		evt  statemachine.Event
		want model.StreamState
	}{
		{model.StreamInitializing, statemachine.EventReady, model.StreamReady},
		{model.StreamReady, statemachine.EventLive, model.StreamLive},
		{model.StreamLive, statemachine.EventRestart, model.StreamLive},
		{model.StreamError, statemachine.EventReInit, model.StreamInitializing},
		{model.StreamStopped, statemachine.EventReInit, model.StreamInitializing},
		{model.StreamStopped, statemachine.EventClose, model.StreamClosed},
	}
	for _, c := range cases {
		got, err := statemachine.Next(c.from, c.evt)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestNext_IllegalTransitionRejected(t *testing.T) {
	_, err := statemachine.Next(model.StreamClosed, statemachine.EventReady)
	require.Error(t, err)
	assert.True(t, vaserr.Is(err, vaserr.KindIllegalTransition))
}

func TestApply_CascadesProducerCloseOnStop(t *testing.T) {
	repo := &fakeRepo{}
	stream := &model.Stream{ID: uuid.New(), State: model.StreamLive}

	err := statemachine.Apply(context.Background(), repo, stream, statemachine.EventStop, "user_requested", "user")

	require.NoError(t, err)
	assert.Equal(t, model.StreamStopped, stream.State)
	assert.Equal(t, 1, repo.applyCalls)
	assert.True(t, repo.lastCascade)
}

func TestApply_NoCascadeOnReady(t *testing.T) {
	repo := &fakeRepo{}
	stream := &model.Stream{ID: uuid.New(), State: model.StreamInitializing}

	err := statemachine.Apply(context.Background(), repo, stream, statemachine.EventReady, "", "system")

	require.NoError(t, err)
	assert.False(t, repo.lastCascade)
}

func TestApply_RollsBackStateOnPersistenceFailure(t *testing.T) {
	repo := &fakeRepo{failNext: true}
	stream := &model.Stream{ID: uuid.New(), State: model.StreamInitializing}

	err := statemachine.Apply(context.Background(), repo, stream, statemachine.EventReady, "", "system")

	require.Error(t, err)
	assert.Equal(t, model.StreamInitializing, stream.State)
}

func TestApply_IllegalTransitionNeverTouchesPersistence(t *testing.T) {
	repo := &fakeRepo{}
	stream := &model.Stream{ID: uuid.New(), State: model.StreamClosed}

	err := statemachine.Apply(context.Background(), repo, stream, statemachine.EventLive, "", "system")

	require.Error(t, err)
	assert.True(t, vaserr.Is(err, vaserr.KindIllegalTransition))
	assert.Equal(t, 0, repo.applyCalls)
	assert.Equal(t, model.StreamClosed, stream.State)
}
