package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/crothmeier/search/internal/logging"
)

var archiveLog = logging.ForComponent(logging.CompArchive)

// ErrUnreadable marks a file that cannot be opened or whose top level is not
// a JSON array. It fails the whole read, unlike per-element decode errors
// which are logged and skipped.
var ErrUnreadable = errors.New("archive unreadable")

// Reader streams conversations from an export file. It holds no open file
// handle between calls; each call reopens and rescans.
type Reader struct {
	path string
}

// NewReader creates a reader for the export file at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Path returns the file path this reader scans.
func (r *Reader) Path() string { return r.path }

// Info describes the export file for import-history recording.
type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Info stats the export file.
func (r *Reader) Info() (*Info, error) {
	st, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("archive: stat: %w", err)
	}
	return &Info{Path: r.path, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// Conversations streams every decodable conversation in file order, calling
// fn once per conversation. Malformed elements are logged and skipped.
// Conversations with zero non-empty messages are not yielded. Returning an
// error from fn stops the stream and propagates.
func (r *Reader) Conversations(fn func(*Conversation) error) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("archive: %w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 64*1024))

	if err := expectArrayStart(dec); err != nil {
		return err
	}

	index := -1
	for dec.More() {
		index++

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// Decoder state is unrecoverable once the array itself is broken.
			return fmt.Errorf("archive: %w: element %d: %v", ErrUnreadable, index, err)
		}

		conv, ok := decodeElement(raw, index)
		if !ok || len(conv.Messages) == 0 {
			continue
		}

		if err := fn(conv); err != nil {
			return err
		}
	}

	return nil
}

// Count scans the top-level array and counts its elements without decoding
// them into parsed objects.
func (r *Reader) Count() (int, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return 0, fmt.Errorf("archive: %w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 64*1024))

	if err := expectArrayStart(dec); err != nil {
		return 0, err
	}

	count := 0
	for dec.More() {
		if err := skipValue(dec); err != nil {
			return count, fmt.Errorf("archive: %w: element %d: %v", ErrUnreadable, count, err)
		}
		count++
	}
	return count, nil
}

func expectArrayStart(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("archive: %w: %v", ErrUnreadable, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("archive: %w: top level is not an array", ErrUnreadable)
	}
	return nil
}

// skipValue consumes one JSON value token by token.
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '[', '{':
				depth++
			case ']', '}':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

// decodeElement turns one raw array element into a Conversation. The second
// return is false when the element must be skipped.
func decodeElement(raw json.RawMessage, index int) (*Conversation, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		archiveLog.Warn("skip_non_object_element", slog.Int("index", index))
		return nil, false
	}

	conv, err := decodeConversation(m)
	if err != nil {
		archiveLog.Warn("skip_undecodable_conversation",
			slog.Int("index", index), slog.String("error", err.Error()))
		return nil, false
	}
	return conv, true
}

// decodeConversation extracts typed fields with documented fallbacks:
// missing title becomes DefaultTitle, missing messages means empty, missing
// timestamps become the epoch.
func decodeConversation(m map[string]any) (*Conversation, error) {
	id := stringField(m, "id")
	if id == "" {
		id = stringField(m, "conversation_id")
	}
	if id == "" {
		return nil, errors.New("missing conversation id")
	}

	title := stringField(m, "title")
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}

	conv := &Conversation{
		ID:         id,
		Title:      title,
		CreateTime: unixTime(floatField(m, "create_time")),
		UpdateTime: unixTime(floatField(m, "update_time")),
	}

	if msgs, ok := m["messages"].([]any); ok && len(msgs) > 0 {
		conv.Messages = decodeMessageList(msgs)
	} else if mapping, ok := m["mapping"].(map[string]any); ok {
		conv.Messages = flattenMapping(mapping)
	}

	return conv, nil
}

func decodeMessageList(items []any) []Message {
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		mm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if msg, ok := decodeMessage(mm); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// decodeMessage extracts one message. The second return is false when the
// flattened content is empty or whitespace-only.
func decodeMessage(m map[string]any) (Message, bool) {
	sender := UnknownSender
	if author, ok := m["author"].(map[string]any); ok {
		if role := stringField(author, "role"); role != "" {
			sender = role
		}
	} else if role := stringField(m, "role"); role != "" {
		sender = role
	}

	content := flattenContent(m["content"])
	if strings.TrimSpace(content) == "" {
		return Message{}, false
	}

	ts := floatField(m, "create_time")
	if ts == 0 {
		ts = floatField(m, "timestamp")
	}

	return Message{
		Sender:    sender,
		Content:   content,
		Timestamp: unixTime(ts),
	}, true
}

// flattenContent accepts the content shapes the export format produces: a
// bare string, a list of text parts, or an object carrying "parts" or "text".
func flattenContent(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		return joinParts(textParts(c))
	case map[string]any:
		if parts, ok := c["parts"].([]any); ok {
			return joinParts(textParts(parts))
		}
		return stringField(c, "text")
	default:
		return ""
	}
}

func textParts(items []any) []string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch p := item.(type) {
		case string:
			parts = append(parts, p)
		case map[string]any:
			if text := stringField(p, "text"); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return parts
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}
