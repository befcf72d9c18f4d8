package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ourshop/streamgate/internal/core"
	"github.com/ourshop/streamgate/internal/eventbus"
	"github.com/ourshop/streamgate/internal/janus"
	"github.com/ourshop/streamgate/internal/telemetry"
)

const testOfferSdp = "v=0\n" +
	"o=- 1 2 IN IP4 127.0.0.1\n" +
	"s=-\n" +
	"t=0 0\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\n" +
	"a=sendrecv\n" +
	"a=rtpmap:111 opus/48000/2\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 102\n" +
	"a=sendrecv\n" +
	"a=rtpmap:102 H264/90000\n"

const testAnswerSdp = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=mid:0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 102\r\n" +
	"a=mid:1\r\n"

type forwardCall struct {
	PublisherID          int64
	Host                 string
	AudioPort, VideoPort int
}

type fakeSfu struct {
	mu sync.Mutex

	CreateErr  error
	AttachErr  error
	PublishErr error
	ForwardErr error

	Events []*janus.Event

	Published  []string
	Trickled   []core.IceCandidate
	Forwards   []forwardCall
	Detached   int
	Destroyed  int
	KeepAlives int
}

func (f *fakeSfu) CreateSession(ctx context.Context) (int64, error) {
	if f.CreateErr != nil {
		return 0, f.CreateErr
	}
	return 42, nil
}

func (f *fakeSfu) Attach(ctx context.Context, sessionID int64, plugin string) (int64, error) {
	if f.AttachErr != nil {
		return 0, f.AttachErr
	}
	return 77, nil
}

func (f *fakeSfu) Publish(ctx context.Context, sessionID, handleID, roomID int64, roomSecret, offer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Published = append(f.Published, offer)
	return f.PublishErr
}

func (f *fakeSfu) PollEventOnce(ctx context.Context, sessionID int64, timeout time.Duration) (*janus.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Events) == 0 {
		return &janus.Event{Janus: "keepalive"}, nil
	}
	event := f.Events[0]
	f.Events = f.Events[1:]
	return event, nil
}

func (f *fakeSfu) Trickle(ctx context.Context, sessionID, handleID int64, candidate core.IceCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Trickled = append(f.Trickled, candidate)
	return nil
}

func (f *fakeSfu) RTPForward(ctx context.Context, sessionID, handleID, roomID, publisherID int64, roomSecret, host string, audioPort, videoPort int) (*janus.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ForwardErr != nil {
		return nil, f.ForwardErr
	}
	f.Forwards = append(f.Forwards, forwardCall{PublisherID: publisherID, Host: host, AudioPort: audioPort, VideoPort: videoPort})
	return &janus.Event{Janus: "success"}, nil
}

func (f *fakeSfu) Detach(ctx context.Context, sessionID, handleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Detached++
	return nil
}

func (f *fakeSfu) DestroySession(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Destroyed++
	return nil
}

func (f *fakeSfu) KeepAlive(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.KeepAlives++
	return nil
}

type startCall struct {
	StreamKey            string
	AudioPort, VideoPort int
}

type fakeTranscoder struct {
	mu       sync.Mutex
	StartErr error
	Started  []startCall
	Stopped  []string
}

func (f *fakeTranscoder) Start(streamKey string, audioPort, videoPort int, offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return "", f.StartErr
	}
	f.Started = append(f.Started, startCall{StreamKey: streamKey, AudioPort: audioPort, VideoPort: videoPort})
	return "/hls/" + streamKey + "/index.m3u8", nil
}

func (f *fakeTranscoder) Stop(streamKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, streamKey)
}

type fakeSessions struct {
	mu      sync.Mutex
	SaveErr error
	ByID    map[uuid.UUID]core.StreamSession
	Order   []uuid.UUID
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{ByID: make(map[uuid.UUID]core.StreamSession)}
}

func (f *fakeSessions) Save(session *core.StreamSession) (*core.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SaveErr != nil {
		return nil, f.SaveErr
	}
	if stored, ok := f.ByID[session.ID]; ok && stored.Status.Terminal() {
		// Terminal rows are never updated, mirroring the SQL guard.
		return session, nil
	}
	if _, ok := f.ByID[session.ID]; !ok {
		f.Order = append(f.Order, session.ID)
	}
	f.ByID[session.ID] = *session
	return session, nil
}

func (f *fakeSessions) FindActivePublisherByStreamID(streamID uuid.UUID) (*core.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Order) - 1; i >= 0; i-- {
		s := f.ByID[f.Order[i]]
		if s.StreamID == streamID && s.Role == core.RolePublisher && !s.Status.Terminal() {
			copied := s
			return &copied, nil
		}
	}
	return nil, core.ErrNotFound
}

func (f *fakeSessions) FindByStreamID(streamID uuid.UUID) ([]*core.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.StreamSession
	for _, id := range f.Order {
		s := f.ByID[id]
		if s.StreamID == streamID {
			copied := s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeSessions) statusOf(id uuid.UUID) core.StreamSessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ByID[id].Status
}

type fakeStreams struct {
	mu   sync.Mutex
	Meta map[uuid.UUID]*core.StreamMeta
}

func newFakeStreams(streamID uuid.UUID, status core.StreamStatus) *fakeStreams {
	return &fakeStreams{Meta: map[uuid.UUID]*core.StreamMeta{
		streamID: {ID: streamID, StreamKey: "abc123", Title: "my stream", Status: status, CreatedAt: time.Now()},
	}}
}

func (f *fakeStreams) Create(title, description string) (*core.StreamMeta, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStreams) Get(id uuid.UUID) (*core.StreamMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.Meta[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *meta
	return &copied, nil
}

func (f *fakeStreams) GetByStreamKey(streamKey string) (*core.StreamMeta, error) {
	return nil, core.ErrNotFound
}

func (f *fakeStreams) GetAll(page, perPage int) (*core.StreamsPage, error) {
	return &core.StreamsPage{}, nil
}

func (f *fakeStreams) MarkLive(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta, ok := f.Meta[id]; ok && meta.Status == core.StreamCreated {
		meta.Status = core.StreamLive
	}
	return nil
}

func (f *fakeStreams) MarkEnded(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta, ok := f.Meta[id]; ok && meta.Status == core.StreamLive {
		meta.Status = core.StreamEnded
	}
	return nil
}

type fakeEvents struct {
	mu        sync.Mutex
	Published []eventbus.Method
}

func (f *fakeEvents) PublishStreamEvent(streamID string, n eventbus.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Published = append(f.Published, n.GetMethod())
	return nil
}

func (f *fakeEvents) methods() []eventbus.Method {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventbus.Method(nil), f.Published...)
}

func fastOptions() Options {
	return Options{
		RoomID:            1234,
		AnswerTimeout:     200 * time.Millisecond,
		AnswerPollCadence: time.Millisecond,
		AnswerPollWait:    time.Millisecond,
		DrainWindow:       50 * time.Millisecond,
		DrainPollWait:     time.Millisecond,
		KeepAliveInterval: time.Hour,
	}
}

func answerEvents() []*janus.Event {
	mid := "0"
	return []*janus.Event{
		{Janus: "trickle", Sender: 77, Candidate: &janus.EventCandidate{
			Candidate: "candidate:1 1 udp 1 10.0.0.1 4000 typ host", SDPMid: &mid,
		}},
		{
			Janus:      "event",
			Sender:     77,
			Jsep:       &janus.Jsep{Type: "answer", SDP: testAnswerSdp},
			PluginData: &janus.PluginData{Plugin: janus.VideoRoomPlugin, Data: janus.PluginEventData{VideoRoom: "joined", ID: 555}},
		},
		{Janus: "trickle", Sender: 77, Candidate: &janus.EventCandidate{Completed: true}},
	}
}

func TestHandleOfferHappyPath(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{Events: answerEvents()}
	transcoder := &fakeTranscoder{}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, transcoder, sessions, streams, nil, fastOptions())
	defer o.Shutdown()

	result, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.Nil(t, err)

	assert.Equal(t, core.SessionConnected, result.Session.Status)
	assert.Equal(t, int64(555), *result.Session.SfuPublisherID)
	assert.Equal(t, "abc123", result.StreamKey)
	assert.Equal(t, "/hls/abc123/index.m3u8", result.HlsURL)

	// The SFU's candidate is spliced into the returned answer.
	assert.Contains(t, result.SDP, "a=candidate:1 1 udp 1 10.0.0.1 4000 typ host")
	assert.Contains(t, result.SDP, "a=end-of-candidates")

	// The offer reached the SFU normalized to CRLF.
	assert.Equal(t, 1, len(sfu.Published))
	assert.False(t, strings.Contains(strings.ReplaceAll(sfu.Published[0], "\r\n", ""), "\n"))

	assert.Equal(t, 1, len(sfu.Forwards))
	assert.Equal(t, int64(555), sfu.Forwards[0].PublisherID)
	assert.Equal(t, "127.0.0.1", sfu.Forwards[0].Host)
	assert.Equal(t, 0, sfu.Forwards[0].AudioPort%2)
	assert.Equal(t, sfu.Forwards[0].AudioPort+2, sfu.Forwards[0].VideoPort)

	assert.Equal(t, 1, len(transcoder.Started))
	assert.Equal(t, "abc123", transcoder.Started[0].StreamKey)

	meta, _ := streams.Get(streamID)
	assert.Equal(t, core.StreamLive, meta.Status)
}

func TestHandleOfferRejectsInvalidOffer(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())

	_, err := o.HandleOffer(context.Background(), streamID, "not an sdp")
	assert.True(t, errors.Is(err, core.ErrInvalidOffer))
	assert.Equal(t, 0, len(sfu.Published))
}

func TestHandleOfferRejectsEndedStream(t *testing.T) {
	streamID := uuid.New()
	streams := newFakeStreams(streamID, core.StreamEnded)

	o := NewOrchestrator(&fakeSfu{}, &fakeTranscoder{}, newFakeSessions(), streams, nil, fastOptions())

	_, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.True(t, errors.Is(err, core.ErrStreamEnded))
}

func TestHandleOfferUnknownStream(t *testing.T) {
	streams := newFakeStreams(uuid.New(), core.StreamCreated)

	o := NewOrchestrator(&fakeSfu{}, &fakeTranscoder{}, newFakeSessions(), streams, nil, fastOptions())

	_, err := o.HandleOffer(context.Background(), uuid.New(), testOfferSdp)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestHandleOfferAnswerTimeoutFailsSession(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{} // no events, the poll loop only sees keepalives
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)
	events := &fakeEvents{}

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, events, fastOptions())

	_, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.True(t, errors.Is(err, core.ErrAnswerTimeout))

	assert.Equal(t, 1, len(sessions.Order))
	failed := sessions.ByID[sessions.Order[0]]
	assert.Equal(t, core.SessionFailed, failed.Status)
	assert.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "no answer")

	assert.Equal(t, []eventbus.Method{eventbus.StreamFailedMethod}, events.methods())
}

func TestHandleOfferSfuErrorEventFailsSession(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{Events: []*janus.Event{
		{
			Janus:      "event",
			Sender:     77,
			PluginData: &janus.PluginData{Plugin: janus.VideoRoomPlugin, Data: janus.PluginEventData{Error: "No such room", ErrorCode: 426}},
		},
	}}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())

	_, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.True(t, errors.Is(err, janus.ErrProtocol))
	assert.Contains(t, err.Error(), "No such room")

	failed := sessions.ByID[sessions.Order[0]]
	assert.Equal(t, core.SessionFailed, failed.Status)
}

func TestHandleOfferPublishErrorFailsSession(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{PublishErr: fmt.Errorf("%w: boom", janus.ErrProtocol)}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())

	_, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.NotNil(t, err)

	failed := sessions.ByID[sessions.Order[0]]
	assert.Equal(t, core.SessionFailed, failed.Status)
}

func TestHandleOfferSurvivesForwardingFailure(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{Events: answerEvents(), ForwardErr: fmt.Errorf("%w: forward refused", janus.ErrProtocol)}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())
	defer o.Shutdown()

	failedBefore := testutil.ToFloat64(telemetry.ServiceOperationCounter.WithLabelValues("rtp_forward", "error", "sfu"))

	result, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.Nil(t, err)
	assert.Equal(t, core.SessionConnected, result.Session.Status)
	assert.Equal(t, "", result.HlsURL)

	failedAfter := testutil.ToFloat64(telemetry.ServiceOperationCounter.WithLabelValues("rtp_forward", "error", "sfu"))
	assert.Equal(t, failedBefore+1, failedAfter)
}

func TestHandleOfferRecordsForwardingOutcome(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{Events: answerEvents()}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())
	defer o.Shutdown()

	forwardBefore := testutil.ToFloat64(telemetry.ServiceOperationCounter.WithLabelValues("rtp_forward", "success", ""))
	transcodeBefore := testutil.ToFloat64(telemetry.ServiceOperationCounter.WithLabelValues("transcode_start", "success", ""))

	_, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.Nil(t, err)

	forwardAfter := testutil.ToFloat64(telemetry.ServiceOperationCounter.WithLabelValues("rtp_forward", "success", ""))
	transcodeAfter := testutil.ToFloat64(telemetry.ServiceOperationCounter.WithLabelValues("transcode_start", "success", ""))
	assert.Equal(t, forwardBefore+1, forwardAfter)
	assert.Equal(t, transcodeBefore+1, transcodeAfter)
}

func TestAddICECandidateQueuesBeforeSessionExists(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{Events: answerEvents()}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())
	defer o.Shutdown()

	mid := "0"
	early := core.IceCandidate{}
	early.Candidate = "candidate:9 1 udp 1 10.0.0.9 4000 typ host"
	early.SDPMid = &mid

	assert.Nil(t, o.AddICECandidate(context.Background(), streamID, early))
	assert.Equal(t, 0, len(sfu.Trickled))

	_, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.Nil(t, err)

	// The queued candidate was flushed exactly once after CONNECTED.
	assert.Equal(t, 1, len(sfu.Trickled))
	assert.Equal(t, early.Candidate, sfu.Trickled[0].Candidate)
}

func TestAddICECandidateForwardsWhenConnected(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{Events: answerEvents()}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())
	defer o.Shutdown()

	_, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.Nil(t, err)

	late := core.IceCandidate{}
	late.Candidate = "candidate:10 1 udp 1 10.0.0.10 4000 typ host"

	assert.Nil(t, o.AddICECandidate(context.Background(), streamID, late))
	assert.Equal(t, 1, len(sfu.Trickled))

	completed := core.IceCandidate{Completed: true}
	assert.Nil(t, o.AddICECandidate(context.Background(), streamID, completed))
	assert.Equal(t, 2, len(sfu.Trickled))
	assert.True(t, sfu.Trickled[1].Completed)
}

func TestClosePublisher(t *testing.T) {
	streamID := uuid.New()
	sfu := &fakeSfu{Events: answerEvents()}
	transcoder := &fakeTranscoder{}
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)
	events := &fakeEvents{}

	o := NewOrchestrator(sfu, transcoder, sessions, streams, events, fastOptions())

	result, err := o.HandleOffer(context.Background(), streamID, testOfferSdp)
	assert.Nil(t, err)

	assert.Nil(t, o.ClosePublisher(context.Background(), streamID))

	assert.Equal(t, core.SessionClosed, sessions.statusOf(result.Session.ID))
	assert.Equal(t, 1, sfu.Detached)
	assert.Equal(t, 1, sfu.Destroyed)
	assert.Equal(t, []string{"abc123"}, transcoder.Stopped)

	meta, _ := streams.Get(streamID)
	assert.Equal(t, core.StreamEnded, meta.Status)
	assert.Equal(t, []eventbus.Method{eventbus.StreamLiveMethod, eventbus.StreamEndedMethod}, events.methods())

	// Idempotent: a second close finds no active session and does nothing,
	// not even a repeated lifecycle notification.
	assert.Nil(t, o.ClosePublisher(context.Background(), streamID))
	assert.Equal(t, 1, sfu.Detached)
	assert.Equal(t, 1, sfu.Destroyed)
	assert.Equal(t, []eventbus.Method{eventbus.StreamLiveMethod, eventbus.StreamEndedMethod}, events.methods())
}

func TestClosePublisherUnknownStream(t *testing.T) {
	streams := newFakeStreams(uuid.New(), core.StreamCreated)
	o := NewOrchestrator(&fakeSfu{}, &fakeTranscoder{}, newFakeSessions(), streams, nil, fastOptions())

	assert.Nil(t, o.ClosePublisher(context.Background(), uuid.New()))
}

func TestClosePublisherWithoutSessionLeavesStreamUntouched(t *testing.T) {
	streamID := uuid.New()
	transcoder := &fakeTranscoder{}
	events := &fakeEvents{}
	streams := newFakeStreams(streamID, core.StreamLive)

	o := NewOrchestrator(&fakeSfu{}, transcoder, newFakeSessions(), streams, events, fastOptions())

	assert.Nil(t, o.ClosePublisher(context.Background(), streamID))

	meta, _ := streams.Get(streamID)
	assert.Equal(t, core.StreamLive, meta.Status)
	assert.Equal(t, 0, len(transcoder.Stopped))
	assert.Equal(t, 0, len(events.methods()))
}

func TestConcurrentOffersKeepSingleActiveSession(t *testing.T) {
	streamID := uuid.New()
	sessions := newFakeSessions()
	streams := newFakeStreams(streamID, core.StreamCreated)

	// Enough events for two sequential negotiations.
	sfu := &fakeSfu{Events: append(answerEvents(), answerEvents()...)}

	o := NewOrchestrator(sfu, &fakeTranscoder{}, sessions, streams, nil, fastOptions())
	defer o.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.HandleOffer(context.Background(), streamID, testOfferSdp)
		}()
	}
	wg.Wait()

	active := 0
	for _, id := range sessions.Order {
		if !sessions.statusOf(id).Terminal() {
			active++
		}
	}
	assert.True(t, active <= 1)
}
