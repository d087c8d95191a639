package pubsub

import (
	"context"
	"encoding/json"
)

// Event is one payload delivered on a topic.
type Event struct {
	Topic   string
	Payload []byte
}

// Subscription delivers events for a single topic until closed.
type Subscription interface {
	C() <-chan Event

	// Close tears the subscription down. It is synchronous: once it returns,
	// no new event is handed to the subscriber, so a view being closed can
	// rely on nothing arriving after teardown.
	Close() error
}

// Channel is the publish/subscribe primitive shared by conversation fan-out
// and call signaling. One topic exists per conversation, per live event and
// per call room.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Envelope kinds carried over a topic. Row-change notifications wrap a row;
// broadcasts carry arbitrary payloads (SDP/ICE exchange uses these).
const (
	KindInsert    = "insert"
	KindUpdate    = "update"
	KindBroadcast = "broadcast"
)

type Envelope struct {
	Kind string          `json:"kind"`
	Row  json.RawMessage `json:"row,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func MarshalInsert(row any) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: KindInsert, Row: raw})
}

func MarshalUpdate(row any) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: KindUpdate, Row: raw})
}

func MarshalBroadcast(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: KindBroadcast, Data: raw})
}
