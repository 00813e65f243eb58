package snapshot

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
)

// UnknownSender is used for group records that carry no "sender : text" prefix.
const UnknownSender = "未知"

// senderSep separates sender and text inside a record's content attribute.
const senderSep = " : "

// DecodeError reports one record that could not be turned into a message.
// It never fails the cycle: the record is skipped.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record at offset %d: %s", e.Offset, e.Reason)
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	return html.UnescapeString(s)
}

// validText rejects torn records: invalid UTF-8 or stray control bytes.
func validText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid utf-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return fmt.Errorf("control character %U", r)
		}
	}
	return nil
}

// Parse decodes rec into a message observed at now.
func Parse(rec RawRecord, now time.Time) (bus.Message, error) {
	fail := func(format string, args ...any) (bus.Message, error) {
		return bus.Message{}, &DecodeError{Offset: rec.Offset, Reason: fmt.Sprintf(format, args...)}
	}

	if err := validText(string(rec.Content)); err != nil {
		return fail("content: %v", err)
	}
	if err := validText(string(rec.Nickname)); err != nil {
		return fail("nickname: %v", err)
	}
	content := unescape(string(rec.Content))
	nickname := strings.TrimSpace(unescape(string(rec.Nickname)))

	var sender, text string
	if rec.Target.IsGroup {
		if s, t, ok := strings.Cut(content, senderSep); ok {
			sender, text = strings.TrimSpace(s), strings.TrimSpace(t)
		} else {
			sender, text = UnknownSender, strings.TrimSpace(content)
		}
		if sender == "" {
			sender = UnknownSender
		}
	} else {
		sender = nickname
		if _, t, ok := strings.Cut(content, senderSep); ok {
			text = strings.TrimSpace(t)
		} else {
			text = strings.TrimSpace(content)
		}
	}
	if text == "" {
		return fail("empty content")
	}

	return bus.Message{
		Target:    rec.Target.ID,
		Sender:    sender,
		Content:   text,
		IsGroup:   rec.Target.IsGroup,
		Timestamp: now,
		Ref:       fmt.Sprintf("off:%d", rec.Offset),
	}, nil
}

// ParseAll decodes recs in order, skipping records that fail to decode.
// It returns the messages and the decode errors that were skipped.
func ParseAll(recs []RawRecord, now time.Time) ([]bus.Message, []error) {
	msgs := make([]bus.Message, 0, len(recs))
	var skipped []error
	for _, rec := range recs {
		msg, err := Parse(rec, now)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		msg.Seq = len(msgs)
		msgs = append(msgs, msg)
	}
	return msgs, skipped
}
