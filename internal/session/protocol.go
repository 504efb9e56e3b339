package session

import "encoding/json"

// Client → server message types.
const (
	msgHello       = "hello"
	msgAck         = "ack"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgReplay      = "replay"
)

// Server → client control message types. Batches are delivered as encoded
// stream.Batch frames and carry no envelope beyond the batch itself.
const (
	msgWelcome = "welcome"
	msgError   = "error"
)

// clientMessage is the single decode target for everything a client sends.
type clientMessage struct {
	Type   string           `json:"type"`
	Topics []string         `json:"topics,omitempty"`
	Resume map[string]int64 `json:"resume,omitempty"`
	Topic  string           `json:"topic,omitempty"`
	Seq    int64            `json:"seq,omitempty"`
	Since  int64            `json:"since,omitempty"`
}

type welcomeMessage struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connection_id"`
	Topics       []string `json:"topics"`
}

type errorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func encodeWelcome(connID string, topics []string) []byte {
	b, _ := json.Marshal(welcomeMessage{Type: msgWelcome, ConnectionID: connID, Topics: topics})
	return b
}

func encodeError(reason string) []byte {
	b, _ := json.Marshal(errorMessage{Type: msgError, Reason: reason})
	return b
}
