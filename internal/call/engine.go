package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle/internal/apperr"
	"huddle/internal/pubsub"
)

// State of one call session.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateAwaitingPeer   State = "awaiting_peer"
	StateDialing        State = "dialing"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

// Failed and Ended are reachable from every state; the table lists only the
// forward moves.
var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateAcquiringMedia: {},
	},
	StateAcquiringMedia: {
		StateAwaitingPeer: {},
		StateDialing:      {},
	},
	StateAwaitingPeer: {
		StateNegotiating: {},
	},
	StateDialing: {
		StateNegotiating: {},
	},
	StateNegotiating: {
		StateConnected: {},
	},
	StateConnected: {},
	StateEnded:     {},
	StateFailed:    {},
}

// MediaTracks is an acquired local capture (mic, and camera for video calls).
type MediaTracks interface {
	Release()
}

// MediaProvider acquires local media. The capture stack is an environment
// collaborator, injected so the engine stays testable.
type MediaProvider interface {
	Acquire(ctx context.Context, video bool) (MediaTracks, error)
}

// PeerConnection is the slice of an RTC peer connection the engine drives.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, sdp string) error
	AddICECandidate(ctx context.Context, candidate json.RawMessage) error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnTrack(fn func())
	Close() error
}

// PeerConnectionFactory builds a connection carrying the acquired tracks.
type PeerConnectionFactory func(ctx context.Context, tracks MediaTracks) (PeerConnection, error)

// Engine establishes two-party calls over the shared pub/sub channel. Each
// side runs its own Session; the host (lesser participant id) emits the
// offer, the caller answers.
type Engine struct {
	channel pubsub.Channel
	media   MediaProvider
	connect PeerConnectionFactory
	timeout time.Duration
	log     *zap.Logger
}

func NewEngine(channel pubsub.Channel, media MediaProvider, connect PeerConnectionFactory, timeout time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		channel: channel,
		media:   media,
		connect: connect,
		timeout: timeout,
		log:     log,
	}
}

// Session is one side of one call attempt.
type Session struct {
	engine *Engine
	self   string
	peer   string
	host   bool
	topic  string
	kind   string

	// Signaling outlives the request that started the call.
	ctx context.Context

	media MediaTracks
	pc    PeerConnection
	sub   pubsub.Subscription

	mu         sync.Mutex
	state      State
	err        error
	remoteSet  bool
	trackLive  bool // inbound media arrived before negotiation started
	pendingICE []json.RawMessage

	timer    *time.Timer
	done     chan struct{}
	shutdown sync.Once
}

// StartCall dials peerID. It acquires media, joins the room and runs the
// handshake; the returned session reports progress through State and Done.
func (e *Engine) StartCall(ctx context.Context, selfID, peerID, kind string) (*Session, error) {
	return e.join(ctx, selfID, peerID, kind)
}

// Answer joins an incoming call. Role assignment is by id order, so answering
// is the same room join as starting; the verb exists for the caller surface.
func (e *Engine) Answer(ctx context.Context, selfID, peerID, kind string) (*Session, error) {
	return e.join(ctx, selfID, peerID, kind)
}

// Decline tells the peer the call is refused without acquiring media or
// joining the room.
func (e *Engine) Decline(ctx context.Context, selfID, peerID string) error {
	payload, err := marshalSignal(Signal{Type: TypeHangUp, From: selfID})
	if err != nil {
		return err
	}
	return e.channel.Publish(ctx, RoomName(selfID, peerID), payload)
}

func (e *Engine) join(ctx context.Context, selfID, peerID, kind string) (*Session, error) {
	if selfID == peerID {
		return nil, apperr.InvalidArg("cannot call yourself")
	}

	s := &Session{
		engine: e,
		self:   selfID,
		peer:   peerID,
		host:   IsHost(selfID, peerID),
		topic:  RoomName(selfID, peerID),
		kind:   kind,
		ctx:    context.Background(),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
	s.transitionTo(StateAcquiringMedia)

	tracks, err := e.media.Acquire(ctx, kind == KindVideo)
	if err != nil {
		failure := apperr.CallFailed(apperr.CodeMediaUnavailable, apperr.ReasonMediaUnavailable, "local media unavailable")
		s.teardown(StateFailed, failure)
		return nil, failure
	}
	s.media = tracks

	pc, err := e.connect(ctx, tracks)
	if err != nil {
		failure := apperr.CallFailed(apperr.CodeMediaUnavailable, apperr.ReasonMediaUnavailable, "peer connection setup failed")
		s.teardown(StateFailed, failure)
		return nil, failure
	}
	s.pc = pc
	pc.OnICECandidate(s.publishCandidate)
	pc.OnTrack(s.onTrack)

	sub, err := e.channel.Subscribe(ctx, s.topic)
	if err != nil {
		failure := apperr.TransientIO("call room subscribe failed", err)
		s.teardown(StateFailed, failure)
		return nil, failure
	}
	s.sub = sub

	// Subscribe has confirmed; nothing published from here on is missed.
	if s.host {
		s.transitionTo(StateAwaitingPeer)
		offer, err := pc.CreateOffer(ctx)
		if err != nil {
			failure := apperr.CallFailed(apperr.CodeMediaUnavailable, apperr.ReasonMediaUnavailable, "offer creation failed")
			s.teardown(StateFailed, failure)
			return nil, failure
		}
		s.publish(Signal{Type: TypeOffer, From: selfID, SDP: offer, CallKind: kind})
	} else {
		s.transitionTo(StateDialing)
		s.publish(Signal{Type: TypeJoin, From: selfID, CallKind: kind})
	}

	s.timer = time.AfterFunc(e.timeout, s.onTimeout)
	go s.loop()
	return s, nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal failure, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done closes when the session reaches Ended or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HangUp ends the call. The subscription is closed synchronously before
// media release, so no signal is delivered into a torn-down session.
func (s *Session) HangUp() {
	s.publish(Signal{Type: TypeHangUp, From: s.self})
	s.teardown(StateEnded, nil)
}

func (s *Session) loop() {
	for ev := range s.sub.C() {
		sig, ok := DecodeSignal(ev.Payload)
		if !ok || sig.From == s.self {
			continue
		}
		s.handle(sig)
	}
}

func (s *Session) handle(sig Signal) {
	switch sig.Type {
	case TypeOffer:
		// The host never handles an offer, including a late echo of its
		// own; only one side may answer.
		if s.host {
			return
		}
		if s.State() != StateDialing {
			return
		}
		if err := s.pc.SetRemoteDescription(s.ctx, sig.SDP); err != nil {
			s.fail(apperr.ReasonMediaUnavailable, "applying remote offer failed")
			return
		}
		s.flushPendingCandidates()
		answer, err := s.pc.CreateAnswer(s.ctx)
		if err != nil {
			s.fail(apperr.ReasonMediaUnavailable, "answer creation failed")
			return
		}
		s.publish(Signal{Type: TypeAnswer, From: s.self, SDP: answer})
		s.transitionTo(StateNegotiating)

	case TypeAnswer:
		if !s.host {
			return
		}
		if s.State() != StateAwaitingPeer {
			return
		}
		if err := s.pc.SetRemoteDescription(s.ctx, sig.SDP); err != nil {
			s.fail(apperr.ReasonMediaUnavailable, "applying remote answer failed")
			return
		}
		s.flushPendingCandidates()
		s.transitionTo(StateNegotiating)

	case TypeICE:
		// Candidates can outrun the offer or answer carrying the remote
		// description; buffer those and flush them once it lands.
		s.mu.Lock()
		if !s.remoteSet {
			s.pendingICE = append(s.pendingICE, sig.Candidate)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := s.pc.AddICECandidate(s.ctx, sig.Candidate); err != nil {
			s.engine.log.Warn("ice candidate rejected", zap.String("room", s.topic), zap.Error(err))
		}

	case TypeJoin:
		s.engine.log.Debug("peer joined call room", zap.String("room", s.topic), zap.String("peer", sig.From))
		// The room is not durable: a peer joining after the initial offer
		// was published would never see it. Re-offer for the late joiner.
		if s.host && s.State() == StateAwaitingPeer {
			offer, err := s.pc.CreateOffer(s.ctx)
			if err != nil {
				s.fail(apperr.ReasonMediaUnavailable, "offer creation failed")
				return
			}
			s.publish(Signal{Type: TypeOffer, From: s.self, SDP: offer, CallKind: s.kind})
		}

	case TypeHangUp:
		s.teardown(StateEnded, nil)
	}
}

func (s *Session) flushPendingCandidates() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := s.pc.AddICECandidate(s.ctx, cand); err != nil {
			s.engine.log.Warn("buffered ice candidate rejected", zap.String("room", s.topic), zap.Error(err))
		}
	}
}

// publishCandidate relays locally discovered candidates to the room once the
// session has joined it.
func (s *Session) publishCandidate(candidate json.RawMessage) {
	switch s.State() {
	case StateAwaitingPeer, StateDialing, StateNegotiating, StateConnected:
	default:
		return
	}
	s.publish(Signal{Type: TypeICE, From: s.self, Candidate: candidate})
}

// onTrack fires when the transport signals live inbound media. Media can
// outrun the answer handler; such a track is remembered and promotes the
// session once it reaches Negotiating.
func (s *Session) onTrack() {
	if s.transitionTo(StateConnected) {
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}
	s.mu.Lock()
	s.trackLive = true
	s.mu.Unlock()
}

func (s *Session) onTimeout() {
	switch s.State() {
	case StateConnected, StateEnded, StateFailed:
		return
	}
	s.fail(apperr.ReasonNegotiationTimeout, "call negotiation timed out")
}

func (s *Session) publish(sig Signal) {
	payload, err := marshalSignal(sig)
	if err != nil {
		return
	}
	if err := s.engine.channel.Publish(s.ctx, s.topic, payload); err != nil {
		s.engine.log.Warn("signal publish failed",
			zap.String("room", s.topic), zap.String("type", sig.Type), zap.Error(err))
	}
}

func (s *Session) transitionTo(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return false
	}
	if _, ok := allowedTransitions[s.state][next]; !ok {
		s.engine.log.Debug("illegal call transition ignored",
			zap.String("room", s.topic), zap.String("from", string(s.state)), zap.String("to", string(next)))
		return false
	}
	s.state = next
	if next == StateNegotiating && s.trackLive {
		// The track beat the answer; the media is already live.
		s.state = StateConnected
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	return true
}

func (s *Session) fail(reason, msg string) {
	code := apperr.CodeNegotiation
	if reason == apperr.ReasonMediaUnavailable {
		code = apperr.CodeMediaUnavailable
	}
	s.teardown(StateFailed, apperr.CallFailed(code, reason, msg))
}

// teardown runs at most once: unsubscribe, close the connection, release
// media, and only then record the outcome, so a Failed session never still
// holds capture devices when the error is observed.
func (s *Session) teardown(final State, cause error) {
	s.shutdown.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.sub != nil {
			s.sub.Close()
		}
		if s.pc != nil {
			s.pc.Close()
		}
		if s.media != nil {
			s.media.Release()
		}

		s.mu.Lock()
		s.state = final
		s.err = cause
		s.mu.Unlock()
		close(s.done)
	})
}
