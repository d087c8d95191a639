package call

import (
	"encoding/json"

	"huddle/internal/pubsub"
)

// Signal types exchanged over a call room topic.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeICE    = "ice"
	TypeJoin   = "join"
	TypeHangUp = "hangup"
)

// Call kinds.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Signal is one signaling message on a call room. From lets each side drop
// the echo of its own broadcasts, since the room delivers to every
// subscriber including the publisher.
type Signal struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	CallKind  string          `json:"call_kind,omitempty"`
}

func marshalSignal(sig Signal) ([]byte, error) {
	return pubsub.MarshalBroadcast(sig)
}

// DecodeSignal unpacks a room event payload. Non-broadcast envelopes and
// malformed payloads are not signals.
func DecodeSignal(payload []byte) (Signal, bool) {
	var env pubsub.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Kind != pubsub.KindBroadcast {
		return Signal{}, false
	}
	var sig Signal
	if err := json.Unmarshal(env.Data, &sig); err != nil || sig.Type == "" {
		return Signal{}, false
	}
	return sig, true
}
