package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/wxbridge/internal/store"
)

// pushContentRe matches the notification records the client leaves in its
// sync store. Matching on bytes keeps garbage and invalid UTF-8 between
// records from affecting the scan.
var pushContentRe = regexp.MustCompile(`<pushcontent\s+content="([^"]*)"\s+nickname="([^"]*)"\s*/>`)

// Target is a watched conversation.
type Target struct {
	ID      string
	IsGroup bool
	Aliases []string // other nicknames the store records for this conversation
}

func (t Target) matches(nickname string) bool {
	if nickname == t.ID {
		return true
	}
	for _, a := range t.Aliases {
		if nickname == a {
			return true
		}
	}
	return false
}

// RawRecord is one undecoded record found in the snapshot.
type RawRecord struct {
	Target   Target
	Nickname []byte // raw attribute value, still XML-escaped
	Content  []byte // raw attribute value, still XML-escaped
	Offset   int    // byte offset of the record in the snapshot
}

// CursorOf computes the cursor identifying a snapshot generation.
func CursorOf(snap *Snapshot) store.Cursor {
	sum := sha256.Sum256(snap.Data)
	return store.Cursor{Size: snap.Size, ModTime: snap.ModTime, Digest: hex.EncodeToString(sum[:])}
}

// Extract returns the records for watched targets, in file order, and the
// cursor of snap. When snap is the generation described by since, changed is
// false and no records are returned.
// Records whose nickname is not watched are ignored; an absent target is not an error.
func Extract(snap *Snapshot, watch []Target, since store.Cursor) (recs []RawRecord, cur store.Cursor, changed bool) {
	cur = CursorOf(snap)
	if !since.IsZero() && cur.Equal(since) {
		return nil, cur, false
	}

	for _, m := range pushContentRe.FindAllSubmatchIndex(snap.Data, -1) {
		content := snap.Data[m[2]:m[3]]
		nickname := snap.Data[m[4]:m[5]]
		t, ok := resolveTarget(watch, strings.TrimSpace(unescape(string(nickname))))
		if !ok {
			continue
		}
		recs = append(recs, RawRecord{
			Target:   t,
			Nickname: nickname,
			Content:  content,
			Offset:   m[0],
		})
	}
	return recs, cur, true
}

func resolveTarget(watch []Target, nickname string) (Target, bool) {
	for _, t := range watch {
		if t.matches(nickname) {
			return t, true
		}
	}
	return Target{}, false
}
