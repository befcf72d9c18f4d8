// Package signaling drives publisher negotiations end to end: it owns the
// session state machine, relays SDP and ICE between the client and the SFU,
// and hands connected streams over to the transcoder.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ourshop/streamgate/internal/core"
	"github.com/ourshop/streamgate/internal/eventbus"
	"github.com/ourshop/streamgate/internal/janus"
	"github.com/ourshop/streamgate/internal/sdp"
	"github.com/ourshop/streamgate/internal/telemetry"
)

// SfuClient is the slice of the SFU protocol client the orchestrator needs.
type SfuClient interface {
	CreateSession(ctx context.Context) (int64, error)
	Attach(ctx context.Context, sessionID int64, plugin string) (int64, error)
	Publish(ctx context.Context, sessionID, handleID, roomID int64, roomSecret, offer string) error
	PollEventOnce(ctx context.Context, sessionID int64, timeout time.Duration) (*janus.Event, error)
	Trickle(ctx context.Context, sessionID, handleID int64, candidate core.IceCandidate) error
	RTPForward(ctx context.Context, sessionID, handleID, roomID, publisherID int64, roomSecret, host string, audioPort, videoPort int) (*janus.Event, error)
	Detach(ctx context.Context, sessionID, handleID int64) error
	DestroySession(ctx context.Context, sessionID int64) error
	KeepAlive(ctx context.Context, sessionID int64) error
}

// Transcoder is the slice of the process supervisor the orchestrator needs.
type Transcoder interface {
	Start(streamKey string, audioPort, videoPort int, offer string) (string, error)
	Stop(streamKey string)
}

// Options tunes negotiation timing. Zero values take defaults matching a
// stock SFU deployment.
type Options struct {
	// RoomID is the videoroom every publisher joins.
	RoomID int64
	// RoomSecret authorizes joins and forwards, empty when the room is open.
	RoomSecret string
	// ForwardHost receives the forwarded RTP, loopback by default.
	ForwardHost string

	// AnswerTimeout bounds the whole wait for the SDP answer.
	AnswerTimeout time.Duration
	// AnswerPollCadence is the pause between polls during the answer wait.
	AnswerPollCadence time.Duration
	// AnswerPollWait is the server-side long-poll wait during the answer wait.
	AnswerPollWait time.Duration
	// DrainWindow bounds the best-effort candidate drain after the answer.
	DrainWindow time.Duration
	// DrainPollWait is the server-side long-poll wait during the drain.
	DrainPollWait time.Duration
	// KeepAliveInterval is the session refresh period, well under the SFU's
	// 60s reaping timeout.
	KeepAliveInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ForwardHost == "" {
		o.ForwardHost = "127.0.0.1"
	}
	if o.AnswerTimeout == 0 {
		o.AnswerTimeout = 30 * time.Second
	}
	if o.AnswerPollCadence == 0 {
		o.AnswerPollCadence = 250 * time.Millisecond
	}
	if o.AnswerPollWait == 0 {
		o.AnswerPollWait = 1500 * time.Millisecond
	}
	if o.DrainWindow == 0 {
		o.DrainWindow = 6 * time.Second
	}
	if o.DrainPollWait == 0 {
		o.DrainPollWait = time.Second
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = 30 * time.Second
	}
	return o
}

const drainPollLimit = 25

// AnswerResult is what a successful negotiation hands back to the API layer.
type AnswerResult struct {
	SDP       string
	Session   *core.StreamSession
	StreamKey string
	HlsURL    string
}

// Orchestrator coordinates one publisher negotiation per stream. All mutable
// cross-request state lives in instance-owned maps guarded by mu.
type Orchestrator struct {
	sfu        SfuClient
	transcoder Transcoder
	sessions   core.StreamSessionsDBStorer
	streams    core.StreamsDBStorer
	events     eventbus.Publisher
	opts       Options

	mu          sync.Mutex
	queuedIce   map[uuid.UUID][]core.IceCandidate
	streamKeys  map[uuid.UUID]string
	keepalives  map[int64]context.CancelFunc
	negotiation map[uuid.UUID]*sync.Mutex
}

// NewOrchestrator wires the orchestrator. The event bus publisher may be nil;
// lifecycle notifications are then skipped.
func NewOrchestrator(
	sfu SfuClient,
	transcoder Transcoder,
	sessions core.StreamSessionsDBStorer,
	streams core.StreamsDBStorer,
	events eventbus.Publisher,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		sfu:         sfu,
		transcoder:  transcoder,
		sessions:    sessions,
		streams:     streams,
		events:      events,
		opts:        opts.withDefaults(),
		queuedIce:   make(map[uuid.UUID][]core.IceCandidate),
		streamKeys:  make(map[uuid.UUID]string),
		keepalives:  make(map[int64]context.CancelFunc),
		negotiation: make(map[uuid.UUID]*sync.Mutex),
	}
}

// HandleOffer runs the full publisher negotiation for the stream and returns
// the answer SDP with the SFU's candidates injected, plus the playback URL
// once the transcoder is up. Failures before the session reaches CONNECTED
// persist the FAILED state and propagate to the caller.
func (o *Orchestrator) HandleOffer(ctx context.Context, streamID uuid.UUID, offer string) (*AnswerResult, error) {
	meta, err := o.streams.Get(streamID)
	if err != nil {
		return nil, err
	}
	if meta.Status == core.StreamEnded {
		return nil, fmt.Errorf("%w: stream %s", core.ErrStreamEnded, streamID)
	}

	normalized, err := sdp.NormalizeOffer(offer)
	if err != nil {
		return nil, err
	}
	if err := sdp.ValidatePublisherOffer(normalized); err != nil {
		return nil, err
	}

	lock := o.negotiationLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.resolveSession(ctx, streamID)
	if err != nil {
		return nil, err
	}

	if sess.Status == core.SessionCreated {
		*sess = sess.WithStatus(core.SessionNegotiating)
		if _, err := o.sessions.Save(sess); err != nil {
			return nil, o.failSession(sess, err)
		}
	}

	if err := o.sfu.Publish(ctx, *sess.SfuSessionID, *sess.SfuHandleID, o.opts.RoomID, o.opts.RoomSecret, normalized); err != nil {
		return nil, o.failSession(sess, err)
	}

	answerEvent, remote, err := o.awaitAnswer(ctx, sess)
	if err != nil {
		return nil, o.failSession(sess, err)
	}

	remote = append(remote, o.drainCandidates(ctx, sess)...)
	remote = core.DedupeCandidates(remote)

	answer := sdp.InjectRemoteCandidates(answerEvent.Jsep.SDP, remote)

	if id := answerEvent.PublisherID(); id > 0 {
		sess.SfuPublisherID = &id
	}

	*sess = sess.WithStatus(core.SessionConnected)
	if _, err := o.sessions.Save(sess); err != nil {
		return nil, o.failSession(sess, err)
	}

	telemetry.NegotiationSucceeded()
	telemetry.SessionStarted()

	log.Info().
		Str("service", "signaling").
		Str("streamId", streamID.String()).
		Str("sessionId", sess.ID.String()).
		Int("remoteCandidates", len(remote)).
		Msg("publisher connected")

	o.flushQueuedIce(ctx, sess)

	// Everything below is best effort: the client already has a working
	// peer connection, so playback plumbing failures must not undo it.
	o.markLive(streamID, meta.StreamKey)

	audioPort, videoPort := findFreeRtpPortPair()
	hlsURL := o.startForwarding(ctx, sess, meta.StreamKey, normalized, audioPort, videoPort)

	o.mu.Lock()
	o.streamKeys[streamID] = meta.StreamKey
	o.mu.Unlock()

	o.startKeepAlive(*sess.SfuSessionID)

	return &AnswerResult{
		SDP:       answer,
		Session:   sess,
		StreamKey: meta.StreamKey,
		HlsURL:    hlsURL,
	}, nil
}

// AddICECandidate accepts one client candidate. Before the session is
// connected the candidate is queued for the post-answer flush; once a plugin
// handle exists it is also relayed immediately.
func (o *Orchestrator) AddICECandidate(ctx context.Context, streamID uuid.UUID, candidate core.IceCandidate) error {
	telemetry.IceCandidateReceived()

	sess, err := o.sessions.FindActivePublisherByStreamID(streamID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			o.queueIce(streamID, candidate)
			return nil
		}
		return err
	}

	switch sess.Status {
	case core.SessionConnected:
		return o.forwardIce(ctx, sess, candidate)
	case core.SessionNegotiating:
		o.queueIce(streamID, candidate)
		if sess.HasSfuContext() {
			if err := o.forwardIce(ctx, sess, candidate); err != nil {
				log.Warn().Err(err).Str("service", "signaling").Str("streamId", streamID.String()).Msg("early trickle failed, candidate stays queued")
			}
		}
		return nil
	default:
		o.queueIce(streamID, candidate)
		return nil
	}
}

// ClosePublisher tears the stream's publisher down. It is idempotent: closing
// an unknown or already closed stream is a no-op, and every teardown step is
// attempted even when earlier ones fail.
func (o *Orchestrator) ClosePublisher(ctx context.Context, streamID uuid.UUID) error {
	lock := o.negotiationLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.sessions.FindActivePublisherByStreamID(streamID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// No active publisher means nothing to tear down: dropping
			// candidates queued before an offer ever arrived is the only
			// cleanup. The stream itself stays untouched.
			o.mu.Lock()
			delete(o.queuedIce, streamID)
			o.mu.Unlock()
			return nil
		}
		return err
	}

	wasConnected := sess.Status == core.SessionConnected

	*sess = sess.WithStatus(core.SessionClosed)
	if _, err := o.sessions.Save(sess); err != nil {
		log.Error().Err(err).Str("service", "signaling").Str("streamId", streamID.String()).Msg("can't persist closed session")
	}

	if sess.SfuSessionID != nil {
		o.stopKeepAlive(*sess.SfuSessionID)
	}

	if sess.HasSfuContext() {
		if err := o.sfu.Detach(ctx, *sess.SfuSessionID, *sess.SfuHandleID); err != nil {
			log.Warn().Err(err).Str("service", "signaling").Str("streamId", streamID.String()).Msg("detach failed")
		}
		if err := o.sfu.DestroySession(ctx, *sess.SfuSessionID); err != nil {
			log.Warn().Err(err).Str("service", "signaling").Str("streamId", streamID.String()).Msg("destroy failed")
		}
	}

	if wasConnected {
		telemetry.SessionStopped()
	}

	o.mu.Lock()
	streamKey := o.streamKeys[streamID]
	delete(o.streamKeys, streamID)
	delete(o.queuedIce, streamID)
	o.mu.Unlock()

	if streamKey != "" {
		o.transcoder.Stop(streamKey)
	}

	if err := o.streams.MarkEnded(streamID); err != nil && !errors.Is(err, core.ErrNotFound) {
		log.Warn().Err(err).Str("service", "signaling").Str("streamId", streamID.String()).Msg("can't mark stream ended")
	}
	o.publishEvent(streamID, eventbus.NewStreamEndedNotification(streamID.String()))

	log.Info().Str("service", "signaling").Str("streamId", streamID.String()).Msg("publisher closed")

	return nil
}

// Shutdown stops every keepalive task. Sessions are left to the SFU's own
// timeout reaping.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, cancel := range o.keepalives {
		cancel()
		delete(o.keepalives, id)
	}
}

func (o *Orchestrator) resolveSession(ctx context.Context, streamID uuid.UUID) (*core.StreamSession, error) {
	sess, err := o.sessions.FindActivePublisherByStreamID(streamID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	sfuSessionID, err := o.sfu.CreateSession(ctx)
	if err != nil {
		return nil, err
	}

	handleID, err := o.sfu.Attach(ctx, sfuSessionID, janus.VideoRoomPlugin)
	if err != nil {
		// The handle never existed, but the session does: clean it up so
		// the SFU is not left holding an orphan until its timeout.
		if derr := o.sfu.DestroySession(ctx, sfuSessionID); derr != nil {
			log.Warn().Err(derr).Str("service", "signaling").Msg("orphan session destroy failed")
		}
		return nil, err
	}

	sess = core.NewPublisherSession(streamID, sfuSessionID, handleID, o.opts.RoomID)
	if _, err := o.sessions.Save(sess); err != nil {
		return nil, err
	}

	return sess, nil
}

// awaitAnswer polls the SFU until the JSEP answer for the session's handle
// arrives, collecting any candidates trickled before it. Events from other
// handles and acks are skipped; an error event for our handle aborts.
func (o *Orchestrator) awaitAnswer(ctx context.Context, sess *core.StreamSession) (*janus.Event, []core.IceCandidate, error) {
	deadline := time.Now().Add(o.opts.AnswerTimeout)
	var remote []core.IceCandidate

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		event, err := o.sfu.PollEventOnce(ctx, *sess.SfuSessionID, o.opts.AnswerPollWait)
		if err != nil {
			log.Debug().Err(err).Str("service", "signaling").Msg("answer poll failed")
			time.Sleep(o.opts.AnswerPollCadence)
			continue
		}

		switch event.Kind() {
		case janus.EventFailure:
			if event.FromHandle(*sess.SfuHandleID) {
				return nil, nil, event.Err()
			}
		case janus.EventTrickle:
			if c, ok := event.RemoteCandidate(); ok && event.FromHandle(*sess.SfuHandleID) {
				remote = append(remote, c)
			}
		case janus.EventAnswer:
			if event.FromHandle(*sess.SfuHandleID) {
				return event, remote, nil
			}
		}

		time.Sleep(o.opts.AnswerPollCadence)
	}

	return nil, nil, fmt.Errorf("%w: no answer within %s", core.ErrAnswerTimeout, o.opts.AnswerTimeout)
}

// drainCandidates keeps polling briefly after the answer, so candidates the
// SFU trickles right behind it still make it into the returned SDP. Strictly
// best effort and cut short by the completed marker.
func (o *Orchestrator) drainCandidates(ctx context.Context, sess *core.StreamSession) []core.IceCandidate {
	deadline := time.Now().Add(o.opts.DrainWindow)
	var remote []core.IceCandidate

	for polls := 0; polls < drainPollLimit && time.Now().Before(deadline); polls++ {
		if ctx.Err() != nil {
			break
		}

		event, err := o.sfu.PollEventOnce(ctx, *sess.SfuSessionID, o.opts.DrainPollWait)
		if err != nil {
			continue
		}
		if event.Kind() != janus.EventTrickle || !event.FromHandle(*sess.SfuHandleID) {
			continue
		}

		c, ok := event.RemoteCandidate()
		if !ok {
			continue
		}
		remote = append(remote, c)
		if c.Completed {
			break
		}
	}

	return remote
}

func (o *Orchestrator) queueIce(streamID uuid.UUID, candidate core.IceCandidate) {
	o.mu.Lock()
	o.queuedIce[streamID] = append(o.queuedIce[streamID], candidate)
	queued := len(o.queuedIce[streamID])
	o.mu.Unlock()

	if queued == 1 || queued%10 == 0 {
		log.Info().Str("service", "signaling").Str("streamId", streamID.String()).Int("queued", queued).Msg("queueing ice candidates")
	}
}

// flushQueuedIce relays everything queued before CONNECTED, exactly once:
// the queue is taken under the lock so a concurrent AddICECandidate can't
// re-deliver.
func (o *Orchestrator) flushQueuedIce(ctx context.Context, sess *core.StreamSession) {
	o.mu.Lock()
	queued := o.queuedIce[sess.StreamID]
	delete(o.queuedIce, sess.StreamID)
	o.mu.Unlock()

	for _, c := range queued {
		if err := o.forwardIce(ctx, sess, c); err != nil {
			log.Warn().Err(err).Str("service", "signaling").Str("streamId", sess.StreamID.String()).Msg("can't flush queued candidate")
		}
	}
}

func (o *Orchestrator) forwardIce(ctx context.Context, sess *core.StreamSession, candidate core.IceCandidate) error {
	if !sess.HasSfuContext() {
		return fmt.Errorf("%w: session has no sfu context", core.ErrInvalidArgument)
	}
	if err := o.sfu.Trickle(ctx, *sess.SfuSessionID, *sess.SfuHandleID, candidate); err != nil {
		return err
	}
	telemetry.IceCandidateRelayed()
	return nil
}

func (o *Orchestrator) failSession(sess *core.StreamSession, cause error) error {
	telemetry.NegotiationFailed()

	if sess != nil && !sess.Status.Terminal() {
		failed := sess.WithStatus(core.SessionFailed).WithError(cause)
		if _, err := o.sessions.Save(&failed); err != nil {
			log.Error().Err(err).Str("service", "signaling").Str("sessionId", sess.ID.String()).Msg("can't persist failed session")
		}
		o.publishEvent(sess.StreamID, eventbus.NewStreamFailedNotification(sess.StreamID.String(), cause.Error()))
	}

	log.Error().Err(cause).Str("service", "signaling").Msg("negotiation failed")

	return cause
}

func (o *Orchestrator) markLive(streamID uuid.UUID, streamKey string) {
	if err := o.streams.MarkLive(streamID); err != nil {
		log.Warn().Err(err).Str("service", "signaling").Str("streamId", streamID.String()).Msg("can't mark stream live")
		return
	}
	o.publishEvent(streamID, eventbus.NewStreamLiveNotification(streamID.String(), streamKey, ""))
}

// startForwarding asks the SFU to relay the publisher's RTP to the local
// port pair and brings the transcoder up on it. Returns the playback URL,
// empty when either step fails.
func (o *Orchestrator) startForwarding(ctx context.Context, sess *core.StreamSession, streamKey, offer string, audioPort, videoPort int) string {
	if sess.SfuPublisherID == nil {
		log.Warn().Str("service", "signaling").Str("streamId", sess.StreamID.String()).Msg("no publisher id, skipping rtp forward")
		return ""
	}

	_, err := o.sfu.RTPForward(ctx, *sess.SfuSessionID, *sess.SfuHandleID, o.opts.RoomID, *sess.SfuPublisherID,
		o.opts.RoomSecret, o.opts.ForwardHost, audioPort, videoPort)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("rtp_forward", "error", "sfu").Add(1)
		log.Warn().Err(err).Str("service", "signaling").Str("streamId", sess.StreamID.String()).Msg("rtp forward failed")
		return ""
	}
	telemetry.ServiceOperationCounter.WithLabelValues("rtp_forward", "success", "").Add(1)

	hlsURL, err := o.transcoder.Start(streamKey, audioPort, videoPort, offer)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("transcode_start", "error", "spawn").Add(1)
		log.Warn().Err(err).Str("service", "signaling").Str("streamKey", streamKey).Msg("transcoder start failed")
		return ""
	}
	telemetry.ServiceOperationCounter.WithLabelValues("transcode_start", "success", "").Add(1)

	log.Info().
		Str("service", "signaling").
		Str("streamKey", streamKey).
		Int("audioPort", audioPort).
		Int("videoPort", videoPort).
		Msg("transcoder running")

	return hlsURL
}

func (o *Orchestrator) startKeepAlive(sfuSessionID int64) {
	o.mu.Lock()
	if _, ok := o.keepalives[sfuSessionID]; ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.keepalives[sfuSessionID] = cancel
	o.mu.Unlock()

	interval := o.opts.KeepAliveInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.sfu.KeepAlive(ctx, sfuSessionID); err != nil {
					log.Warn().Err(err).Str("service", "signaling").Int64("sfuSessionId", sfuSessionID).Msg("keepalive failed")
				}
			}
		}
	}()
}

func (o *Orchestrator) stopKeepAlive(sfuSessionID int64) {
	o.mu.Lock()
	cancel := o.keepalives[sfuSessionID]
	delete(o.keepalives, sfuSessionID)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) negotiationLock(streamID uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.negotiation[streamID]
	if !ok {
		lock = &sync.Mutex{}
		o.negotiation[streamID] = lock
	}
	return lock
}

func (o *Orchestrator) publishEvent(streamID uuid.UUID, n eventbus.Notification) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishStreamEvent(streamID.String(), n); err != nil {
		log.Warn().Err(err).Str("service", "signaling").Str("streamId", streamID.String()).Msg("can't publish stream event")
	}
}
