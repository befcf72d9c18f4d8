package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    StreamSessionStatus
		to      StreamSessionStatus
		allowed bool
	}{
		{SessionCreated, SessionNegotiating, true},
		{SessionCreated, SessionFailed, true},
		{SessionCreated, SessionConnected, false},
		{SessionNegotiating, SessionConnected, true},
		{SessionNegotiating, SessionFailed, true},
		{SessionNegotiating, SessionClosed, false},
		{SessionConnected, SessionClosed, true},
		{SessionConnected, SessionFailed, false},
		{SessionClosed, SessionNegotiating, false},
		{SessionClosed, SessionClosed, false},
		{SessionFailed, SessionConnected, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.allowed, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, SessionClosed.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.False(t, SessionCreated.Terminal())
	assert.False(t, SessionNegotiating.Terminal())
	assert.False(t, SessionConnected.Terminal())
}

func TestWithStatusStampsTimestamps(t *testing.T) {
	sess := NewPublisherSession(uuid.New(), 1, 2, 1234)

	negotiating := sess.WithStatus(SessionNegotiating)
	assert.Equal(t, SessionNegotiating, negotiating.Status)
	assert.Nil(t, negotiating.ConnectedAt)
	assert.Nil(t, negotiating.ClosedAt)

	connected := negotiating.WithStatus(SessionConnected)
	assert.NotNil(t, connected.ConnectedAt)
	assert.Nil(t, connected.ClosedAt)

	closed := connected.WithStatus(SessionClosed)
	assert.NotNil(t, closed.ClosedAt)

	// The receiver is untouched.
	assert.Equal(t, SessionCreated, sess.Status)
}

func TestWithErrorTruncates(t *testing.T) {
	sess := NewPublisherSession(uuid.New(), 1, 2, 1234)

	long := errors.New(strings.Repeat("x", 2000))
	failed := sess.WithStatus(SessionFailed).WithError(long)

	assert.NotNil(t, failed.LastError)
	assert.Equal(t, 512, len(*failed.LastError))

	short := sess.WithError(errors.New("boom"))
	assert.Equal(t, "boom", *short.LastError)

	untouched := sess.WithError(nil)
	assert.Nil(t, untouched.LastError)
}

func TestNewPublisherSession(t *testing.T) {
	streamID := uuid.New()
	sess := NewPublisherSession(streamID, 7, 8, 1234)

	assert.Equal(t, streamID, sess.StreamID)
	assert.Equal(t, RolePublisher, sess.Role)
	assert.Equal(t, SessionCreated, sess.Status)
	assert.True(t, sess.HasSfuContext())
	assert.Equal(t, int64(7), *sess.SfuSessionID)
	assert.Equal(t, int64(8), *sess.SfuHandleID)
	assert.Equal(t, int64(1234), *sess.SfuRoomID)
	assert.Nil(t, sess.SfuPublisherID)
}
