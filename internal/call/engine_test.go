package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"huddle/internal/apperr"
	"huddle/internal/pubsub"
)

type fakeTracks struct {
	mu       sync.Mutex
	released bool
}

func (t *fakeTracks) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
}

func (t *fakeTracks) isReleased() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

type fakeMedia struct {
	err    error
	tracks *fakeTracks
}

func (m *fakeMedia) Acquire(_ context.Context, _ bool) (MediaTracks, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.tracks = &fakeTracks{}
	return m.tracks, nil
}

type fakePC struct {
	mu          sync.Mutex
	localSDP    string
	remoteSDP   string
	candidates  []json.RawMessage
	onCandidate func(json.RawMessage)
	onTrack     func()
	closed      bool
}

func (p *fakePC) CreateOffer(context.Context) (string, error) {
	p.localSDP = "offer-sdp"
	return p.localSDP, nil
}

func (p *fakePC) CreateAnswer(context.Context) (string, error) {
	p.localSDP = "answer-sdp"
	return p.localSDP, nil
}

func (p *fakePC) SetRemoteDescription(_ context.Context, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePC) AddICECandidate(_ context.Context, candidate json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(json.RawMessage)) { p.onCandidate = fn }
func (p *fakePC) OnTrack(fn func())                       { p.onTrack = fn }

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) remote() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSDP
}

func (p *fakePC) appliedCandidates() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]json.RawMessage, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func newTestEngine(bus *pubsub.Bus, media *fakeMedia, pc *fakePC, timeout time.Duration) *Engine {
	connect := func(context.Context, MediaTracks) (PeerConnection, error) {
		return pc, nil
	}
	return NewEngine(bus, media, connect, timeout, zap.NewNop())
}

func TestRoomNameSymmetric(t *testing.T) {
	assert.Equal(t, RoomName("a1", "b2"), RoomName("b2", "a1"))
	assert.Equal(t, "call:a1:b2", RoomName("b2", "a1"))

	assert.True(t, IsHost("a1", "b2"))
	assert.False(t, IsHost("b2", "a1"))
}

func TestFullHandshake(t *testing.T) {
	bus := pubsub.NewBus()
	hostPC := &fakePC{}
	callerPC := &fakePC{}
	hostEngine := newTestEngine(bus, &fakeMedia{}, hostPC, time.Minute)
	callerEngine := newTestEngine(bus, &fakeMedia{}, callerPC, time.Minute)

	host, err := hostEngine.StartCall(context.Background(), "a1", "b2", KindAudio)
	require.NoError(t, err)
	defer host.HangUp()
	require.Equal(t, StateAwaitingPeer, host.State())

	caller, err := callerEngine.Answer(context.Background(), "b2", "a1", KindAudio)
	require.NoError(t, err)
	defer caller.HangUp()

	// The caller receives the offer, answers, and both sides negotiate.
	require.Eventually(t, func() bool {
		return caller.State() == StateNegotiating && host.State() == StateNegotiating
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "offer-sdp", callerPC.remote())
	assert.Equal(t, "answer-sdp", hostPC.remote())

	// Candidates flow both ways once negotiation is underway.
	hostPC.onCandidate(json.RawMessage(`{"c":"host"}`))
	callerPC.onCandidate(json.RawMessage(`{"c":"caller"}`))
	require.Eventually(t, func() bool {
		return len(hostPC.appliedCandidates()) == 1 && len(callerPC.appliedCandidates()) == 1
	}, time.Second, 5*time.Millisecond)

	// Inbound media connects each side independently.
	hostPC.onTrack()
	callerPC.onTrack()
	assert.Equal(t, StateConnected, host.State())
	assert.Equal(t, StateConnected, caller.State())
}

func TestHostIgnoresOwnOfferEcho(t *testing.T) {
	bus := pubsub.NewBus()
	hostPC := &fakePC{}
	engine := newTestEngine(bus, &fakeMedia{}, hostPC, time.Minute)

	host, err := engine.StartCall(context.Background(), "a1", "b2", KindAudio)
	require.NoError(t, err)
	defer host.HangUp()

	// The room broadcasts the host's own offer back; the host must not
	// negotiate against itself.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateAwaitingPeer, host.State())
	assert.Empty(t, hostPC.remote())
}

func TestEarlyCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	bus := pubsub.NewBus()
	callerPC := &fakePC{}
	engine := newTestEngine(bus, &fakeMedia{}, callerPC, time.Minute)

	caller, err := engine.StartCall(context.Background(), "b2", "a1", KindAudio)
	require.NoError(t, err)
	defer caller.HangUp()
	require.Equal(t, StateDialing, caller.State())

	room := RoomName("a1", "b2")
	publish := func(sig Signal) {
		payload, err := marshalSignal(sig)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), room, payload))
	}

	// Candidates arrive before the offer; applying them now would fail, so
	// they must be held back.
	publish(Signal{Type: TypeICE, From: "a1", Candidate: json.RawMessage(`{"c":1}`)})
	publish(Signal{Type: TypeICE, From: "a1", Candidate: json.RawMessage(`{"c":2}`)})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, callerPC.appliedCandidates())

	publish(Signal{Type: TypeOffer, From: "a1", SDP: "offer-sdp"})
	require.Eventually(t, func() bool {
		return len(callerPC.appliedCandidates()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateNegotiating, caller.State())
	assert.JSONEq(t, `{"c":1}`, string(callerPC.appliedCandidates()[0]))
	assert.JSONEq(t, `{"c":2}`, string(callerPC.appliedCandidates()[1]))
}

func TestNegotiationTimeoutFailsAndReleasesMedia(t *testing.T) {
	bus := pubsub.NewBus()
	media := &fakeMedia{}
	engine := newTestEngine(bus, media, &fakePC{}, 20*time.Millisecond)

	host, err := engine.StartCall(context.Background(), "a1", "b2", KindAudio)
	require.NoError(t, err)

	select {
	case <-host.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not fail on timeout")
	}
	assert.Equal(t, StateFailed, host.State())
	assert.Equal(t, apperr.ReasonNegotiationTimeout, apperr.ReasonOf(host.Err()))
	assert.True(t, media.tracks.isReleased())
}

func TestMediaFailureIsTerminal(t *testing.T) {
	bus := pubsub.NewBus()
	media := &fakeMedia{err: errors.New("no capture device")}
	engine := newTestEngine(bus, media, &fakePC{}, time.Minute)

	_, err := engine.StartCall(context.Background(), "a1", "b2", KindVideo)
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonMediaUnavailable, apperr.ReasonOf(err))
}

func TestDeclineEndsPeerSession(t *testing.T) {
	bus := pubsub.NewBus()
	media := &fakeMedia{}
	engine := newTestEngine(bus, media, &fakePC{}, time.Minute)

	host, err := engine.StartCall(context.Background(), "a1", "b2", KindAudio)
	require.NoError(t, err)

	require.NoError(t, engine.Decline(context.Background(), "b2", "a1"))

	select {
	case <-host.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end on peer decline")
	}
	assert.Equal(t, StateEnded, host.State())
	assert.NoError(t, host.Err())
	assert.True(t, media.tracks.isReleased())
}

func TestHangUpReleasesEverything(t *testing.T) {
	bus := pubsub.NewBus()
	media := &fakeMedia{}
	pc := &fakePC{}
	engine := newTestEngine(bus, media, pc, time.Minute)

	host, err := engine.StartCall(context.Background(), "a1", "b2", KindAudio)
	require.NoError(t, err)

	host.HangUp()
	assert.Equal(t, StateEnded, host.State())
	assert.True(t, media.tracks.isReleased())

	pc.mu.Lock()
	closed := pc.closed
	pc.mu.Unlock()
	assert.True(t, closed)
}

func TestCallingYourselfRejected(t *testing.T) {
	bus := pubsub.NewBus()
	engine := newTestEngine(bus, &fakeMedia{}, &fakePC{}, time.Minute)

	_, err := engine.StartCall(context.Background(), "a1", "a1", KindAudio)
	require.Error(t, err)
}

func TestTrackOutrunningAnswerStillConnects(t *testing.T) {
	bus := pubsub.NewBus()
	hostPC := &fakePC{}
	engine := newTestEngine(bus, &fakeMedia{}, hostPC, 200*time.Millisecond)

	host, err := engine.StartCall(context.Background(), "a1", "b2", KindAudio)
	require.NoError(t, err)
	defer host.HangUp()

	// Inbound media fires while the host is still waiting for the answer.
	// Connected is not reachable from AwaitingPeer, so the track has to be
	// remembered rather than dropped.
	hostPC.onTrack()
	require.Equal(t, StateAwaitingPeer, host.State())

	payload, err := marshalSignal(Signal{Type: TypeAnswer, From: "b2", SDP: "answer-sdp"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), RoomName("a1", "b2"), payload))

	require.Eventually(t, func() bool {
		return host.State() == StateConnected
	}, time.Second, 5*time.Millisecond, "the remembered track promotes the session when negotiation starts")

	// The timeout timer was stopped on promotion.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, StateConnected, host.State())
	assert.NoError(t, host.Err())
}
