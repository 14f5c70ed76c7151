package collab

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Sync message type tags.
const (
	SyncStep1     = "sync1"
	SyncStep2     = "sync2"
	SyncUpdate    = "update"
	SyncAwareness = "awareness"
)

// SyncMessage is one message of the buffer sync protocol.
type SyncMessage struct {
	Type string `msgpack:"type"`
	// StateVector is set for sync1.
	StateVector []byte `msgpack:"state_vector,omitempty"`
	// Update is set for sync2 and update.
	Update []byte `msgpack:"update,omitempty"`
	// Data is set for awareness; relayed opaquely.
	Data []byte `msgpack:"data,omitempty"`
}

// EncodeSyncMessage serialises a sync message.
func EncodeSyncMessage(msg SyncMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// DecodeSyncMessage parses a sync message.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	var msg SyncMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("decode sync message: %w", err)
	}
	return msg, nil
}

// HandleSyncMessage drives the protocol against a document. The
// returned message, when non-nil, goes back to the peer. Awareness
// carries no document state and is relayed by the caller.
func HandleSyncMessage(doc *Doc, msg SyncMessage) (*SyncMessage, error) {
	switch msg.Type {
	case SyncStep1:
		// The peer announced what it has; answer with what it lacks.
		diff, err := doc.EncodeDiff(msg.StateVector)
		if err != nil {
			return nil, err
		}
		return &SyncMessage{Type: SyncStep2, Update: diff}, nil
	case SyncStep2:
		return nil, doc.ApplyUpdate(msg.Update)
	case SyncUpdate:
		return nil, doc.ApplyUpdate(msg.Update)
	case SyncAwareness:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown sync message type %q", msg.Type)
}

// FullSync builds the SyncStep2 that initialises a new viewer's local
// document before incremental updates arrive.
func FullSync(doc *Doc) SyncMessage {
	return SyncMessage{Type: SyncStep2, Update: doc.EncodeState()}
}
