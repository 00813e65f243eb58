package bus

import (
	"time"

	"github.com/mattn/go-runewidth"
)

// Peer kinds for a watched conversation.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// Message is a chat message decoded from the snapshot store.
// It only lives for the duration of one poll cycle.
type Message struct {
	Target    string    `json:"target"`    // watched conversation ID (e.g. "group_with_AI")
	Sender    string    `json:"sender"`    // display name of the author
	Content   string    `json:"content"`   // message text
	IsGroup   bool      `json:"is_group"`
	Timestamp time.Time `json:"timestamp"` // observation time (the store does not expose a reliable send time)
	Ref       string    `json:"ref"`       // raw location in the snapshot, e.g. "off:1024"
	Seq       int       `json:"seq"`       // iteration order within the snapshot
}

// ReplyRequest is the payload handed to the external sender.
// Field names match what the sender scripts read.
type ReplyRequest struct {
	Target  string `json:"target"`
	Content string `json:"content"`
	IsGroup bool   `json:"isGroup"`
}

// Preview shortens s to maxWidth terminal cells for log output.
// Width-based so CJK text is cut at the same visual length as ASCII.
func Preview(s string, maxWidth int) string {
	return runewidth.Truncate(s, maxWidth, "...")
}
