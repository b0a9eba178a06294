// Package stream parses the agent server's SSE event stream into a typed
// sequence of StreamEvent values, correlating events to the session id that
// requested them.
//
// Line framing follows the teacher's hand-rolled bufio.Scanner SSE parsing
// idiom (internal/providers/anthropic_stream.go): accumulate lines, look for
// a "data:" prefix, decode the JSON suffix, skip anything else silently. The
// event taxonomy and dedupe bookkeeping (assistantMessageIds,
// processedToolCalls, incremental text-by-part-id) are grounded on
// other_examples' OpenCode transport adapter, which tracks the same upstream
// wire shape (message.part.updated, permission.asked, session.idle, …).
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"mime"
	"path"
	"strings"
)

// EventKind tags the variant carried by Event.
type EventKind string

const (
	KindText       EventKind = "text"
	KindFile       EventKind = "file"
	KindPermission EventKind = "permission"
	KindBusy       EventKind = "busy"
	KindDone       EventKind = "done"
	KindError      EventKind = "error"
)

// Event is the tagged variant the reader emits.
type Event struct {
	Kind EventKind

	// text
	Text string

	// file
	FileName string
	FileURL  string
	MimeType string

	// permission
	PermissionID          string
	PermissionTool        string
	PermissionDescription string

	// error
	ErrData string
}

// rawEnvelope is the outer `{type, properties}` SSE payload shape.
type rawEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	SessionID  string          `json:"sessionID"`
}

// Reader parses one agent SSE stream for a single requested session id.
type Reader struct {
	sessionID string

	assistantMessageIDs map[string]bool
	processedToolCalls  map[string]bool
	textByPart          map[string]int // part id -> bytes already emitted

	sawBusy bool
	gotText bool
}

// New creates a Reader scoped to sessionID; events carrying a different
// sessionID are skipped.
func New(sessionID string) *Reader {
	return &Reader{
		sessionID:           sessionID,
		assistantMessageIDs: make(map[string]bool),
		processedToolCalls:  make(map[string]bool),
		textByPart:          make(map[string]int),
	}
}

// Run reads frames from r, emitting Events on out until the stream
// terminates (done/error), r hits EOF, or ctx-driven cancellation closes r.
// Run does not close out; the caller owns the channel lifecycle.
func (s *Reader) Run(r io.Reader, out chan<- Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var env rawEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			continue // malformed JSON skipped silently
		}
		if env.SessionID != "" && env.SessionID != s.sessionID {
			continue
		}

		if done := s.handle(env, out); done {
			return
		}
	}
}

// handle processes one envelope, returning true if the stream should stop.
func (s *Reader) handle(env rawEnvelope, out chan<- Event) bool {
	switch env.Type {
	case "message.updated":
		var props struct {
			Info struct {
				ID   string `json:"id"`
				Role string `json:"role"`
			} `json:"info"`
		}
		if json.Unmarshal(env.Properties, &props) == nil && props.Info.Role == "assistant" {
			s.assistantMessageIDs[props.Info.ID] = true
		}

	case "message.part.delta":
		var props struct {
			Delta string `json:"delta"`
		}
		if json.Unmarshal(env.Properties, &props) == nil && props.Delta != "" {
			s.sawBusy = true
			s.gotText = true
			out <- Event{Kind: KindText, Text: props.Delta}
		}

	case "message.part.updated":
		s.handlePartUpdated(env.Properties, out)

	case "permission.asked", "permission.requested":
		s.handlePermission(env.Properties, out)

	case "session.status":
		var props struct {
			Status struct {
				Type string `json:"type"`
			} `json:"status"`
		}
		if json.Unmarshal(env.Properties, &props) == nil && props.Status.Type == "busy" {
			s.sawBusy = true
			out <- Event{Kind: KindBusy}
		}

	case "session.idle":
		if s.sawBusy || s.gotText {
			out <- Event{Kind: KindDone}
			return true
		}
		// Idle before any activity is not terminal.

	case "session.error":
		var props struct {
			Error struct {
				Data struct {
					Message string `json:"message"`
				} `json:"data"`
			} `json:"error"`
		}
		msg := "unknown error"
		if json.Unmarshal(env.Properties, &props) == nil && props.Error.Data.Message != "" {
			msg = props.Error.Data.Message
		}
		out <- Event{Kind: KindError, ErrData: msg}
		return true
	}
	return false
}

func (s *Reader) handlePartUpdated(raw json.RawMessage, out chan<- Event) {
	var part struct {
		ID        string `json:"id"`
		MessageID string `json:"messageID"`
		Type      string `json:"type"`
		Text      string `json:"text"`
		Delta     string `json:"delta"`
		Filename  string `json:"filename"`
		URL       string `json:"url"`
		MimeType  string `json:"mimeType"`
		CallID    string `json:"callID"`
		Tool      string `json:"tool"`
		State     *struct {
			Status string          `json:"status"`
			Output json.RawMessage `json:"output"`
			Input  json.RawMessage `json:"input"`
		} `json:"state"`
	}
	if err := json.Unmarshal(raw, &part); err != nil {
		return
	}

	switch part.Type {
	case "text":
		// Fallback path: only honored for messages already tagged assistant,
		// and only for the incremental portion not yet emitted (keeps the
		// message.part.delta path from double-counting, per SPEC_FULL.md §9).
		if !s.assistantMessageIDs[part.MessageID] {
			return
		}
		partID := part.ID
		if partID == "" {
			partID = part.MessageID + ":text"
		}
		emitted := s.textByPart[partID]
		var toSend string
		if part.Text != "" && len(part.Text) > emitted {
			toSend = part.Text[emitted:]
			s.textByPart[partID] = len(part.Text)
		} else if part.Delta != "" && emitted == 0 {
			toSend = part.Delta
		}
		if toSend != "" {
			s.gotText = true
			s.sawBusy = true
			out <- Event{Kind: KindText, Text: toSend}
		}

	case "file":
		name := part.Filename
		if name == "" {
			name = "file"
		}
		out <- Event{Kind: KindFile, FileName: name, FileURL: part.URL, MimeType: part.MimeType}

	case "tool":
		if part.State == nil || part.State.Status != "completed" {
			return
		}
		if s.processedToolCalls[part.CallID] {
			return
		}
		if !isShowTool(part.Tool) {
			return
		}
		if f, ok := extractToolFile(part.State.Output, part.State.Input); ok {
			s.processedToolCalls[part.CallID] = true
			out <- Event{Kind: KindFile, FileName: f.Name, FileURL: f.URL, MimeType: f.MimeType}
		}
	}
}

func isShowTool(tool string) bool {
	switch tool {
	case "show", "show_user", "show-user":
		return true
	}
	return false
}

type toolFile struct {
	Name, URL, MimeType string
}

// extractToolFile implements the "show" family file-extraction rules from
// spec.md §4.5: parse state.output as a JSON string holding publicUrl/type,
// falling back to the tool's input.type/input.path.
func extractToolFile(output, input json.RawMessage) (toolFile, bool) {
	var entry struct {
		PublicURL string `json:"publicUrl"`
		Type      string `json:"type"`
		Path      string `json:"path"`
	}
	parsed := false
	if len(output) > 0 {
		var asString string
		if json.Unmarshal(output, &asString) == nil && asString != "" {
			if json.Unmarshal([]byte(asString), &entry) == nil {
				parsed = true
			}
		} else if json.Unmarshal(output, &entry) == nil {
			parsed = true
		}
	}

	if !parsed {
		var in struct {
			Type string `json:"type"`
			Path string `json:"path"`
		}
		if len(input) == 0 || json.Unmarshal(input, &in) != nil {
			return toolFile{}, false
		}
		entry.Type = in.Type
		entry.Path = in.Path
	}

	if entry.Type != "file" && entry.Type != "image" {
		return toolFile{}, false
	}

	filePath := entry.Path
	rawName := filePath
	if rawName == "" {
		rawName = entry.PublicURL
	}
	name := path.Base(strings.SplitN(rawName, "?", 2)[0])

	url := entry.PublicURL
	if url == "" {
		url = filePath
	}

	f := toolFile{Name: name, URL: url}
	if entry.Type == "image" {
		if t := mime.TypeByExtension(path.Ext(name)); t != "" {
			f.MimeType = t
		}
	}
	return f, true
}
