// Package archive decodes conversational export files incrementally. The
// reader walks a top-level JSON array one element at a time, so memory use is
// bounded by the largest single conversation rather than the file size.
package archive

import (
	"strings"
	"time"
)

// Message is a single decoded message.
type Message struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// Conversation is one decoded export element. Messages keep file order;
// storage sorts by timestamp on read.
type Conversation struct {
	ID         string
	Title      string
	CreateTime time.Time
	UpdateTime time.Time
	Messages   []Message
}

// DefaultTitle substitutes for a missing or empty title field.
const DefaultTitle = "Untitled"

// UnknownSender substitutes for a missing author role.
const UnknownSender = "unknown"

// msTimestampCutoff: unix values above this are treated as milliseconds.
const msTimestampCutoff = 1e10

// unixTime converts an export timestamp to time.Time. Zero or negative
// values map to the Unix epoch.
func unixTime(v float64) time.Time {
	if v <= 0 {
		return time.Unix(0, 0).UTC()
	}
	if v > msTimestampCutoff {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// joinParts flattens a multi-part content payload into one string, skipping
// empty parts.
func joinParts(parts []string) string {
	nonEmpty := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}
