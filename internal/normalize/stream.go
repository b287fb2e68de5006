package normalize

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
)

// FrameKind labels an emitted frame.
type FrameKind string

const (
	FrameRole        FrameKind = "role"
	FrameContent     FrameKind = "content"
	FrameFinish      FrameKind = "finish"
	FrameUsage       FrameKind = "usage"
	FrameDone        FrameKind = "done"
	FramePassthrough FrameKind = "passthrough"
	FrameError       FrameKind = "error"
)

// Frame is one server-sent event ready to be written to the client.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Bytes returns the wire form of the frame. Passthrough frames carry the
// backend line verbatim.
func (f Frame) Bytes() []byte {
	if f.Kind == FramePassthrough {
		return append(append([]byte{}, f.Data...), '\n', '\n')
	}
	out := make([]byte, 0, len(f.Data)+8)
	out = append(out, "data: "...)
	out = append(out, f.Data...)
	return append(out, '\n', '\n')
}

var doneData = []byte("[DONE]")

type streamState int

const (
	stateStart streamState = iota
	stateStreaming
	stateFinished
	stateDone
)

func (s streamState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateStreaming:
		return "streaming"
	case stateFinished:
		return "finished"
	default:
		return "done"
	}
}

// StreamNormalizer rewrites one backend chat completion stream into the
// canonical chunk shape. It is not safe for concurrent use; each stream gets
// its own instance.
type StreamNormalizer struct {
	opts options

	id      string
	created int64
	model   string
	state   streamState

	usageSent bool
	content   strings.Builder
}

// NewStreamNormalizer returns a normalizer in the start state.
func NewStreamNormalizer(opts ...Option) *StreamNormalizer {
	o := newOptions(opts)
	return &StreamNormalizer{
		opts:  o,
		id:    o.newID(),
		model: o.model,
	}
}

// ID returns the response id stamped on every rebuilt frame.
func (s *StreamNormalizer) ID() string { return s.id }

// State returns the current state name, for logging.
func (s *StreamNormalizer) State() string { return s.state.String() }

// Done reports whether the terminal frame has been produced.
func (s *StreamNormalizer) Done() bool { return s.state == stateDone }

// Process consumes one line of backend output and returns the frames to send.
func (s *StreamNormalizer) Process(line string) []Frame {
	if s.state == stateDone {
		return nil
	}

	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "data:") {
		return s.emit(Frame{Kind: FramePassthrough, Data: []byte(line)})
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == string(doneData) {
		return s.Finish()
	}

	if !gjson.Valid(data) {
		return s.passthrough(line)
	}
	chunk := gjson.Parse(data)
	if !chunk.IsObject() {
		return s.passthrough(line)
	}

	choices := chunk.Get("choices")
	if choices.Exists() && !choices.IsArray() {
		return s.passthrough(line)
	}
	items := choices.Array()
	if len(items) > 1 {
		return s.passthrough(line)
	}

	usage := chunk.Get("usage")
	if len(items) == 0 {
		if usage.IsObject() {
			return s.usageFrames(usage)
		}
		return s.passthrough(line)
	}

	var frames []Frame
	if s.state == stateStart {
		frames = append(frames, s.start(chunk)...)
		if hasPayload(items[0]) {
			frames = append(frames, s.choiceFrame(items[0])...)
		}
	} else if s.state == stateStreaming {
		frames = append(frames, s.choiceFrame(items[0])...)
	}

	if usage.IsObject() {
		frames = append(frames, s.usageFrames(usage)...)
	}
	return frames
}

// Finish ends the stream, emitting an estimated usage frame when one is owed
// and the [DONE] sentinel. Later calls return nothing.
func (s *StreamNormalizer) Finish() []Frame {
	if s.state == stateDone {
		return nil
	}

	var frames []Frame
	if s.opts.includeUsage && !s.usageSent && s.opts.estimator != nil && s.state != stateStart {
		completion := s.opts.estimator.CountText(s.model, s.content.String())
		frames = append(frames, s.usageFrame(&Usage{
			PromptTokens:     s.opts.promptTokens,
			CompletionTokens: completion,
			TotalTokens:      s.opts.promptTokens + completion,
		})...)
	}

	s.state = stateDone
	return append(frames, s.emit(Frame{Kind: FrameDone, Data: doneData})...)
}

// Error ends the stream with a single error frame and no [DONE].
func (s *StreamNormalizer) Error(apiErr *domain.APIError) []Frame {
	if s.state == stateDone {
		return nil
	}
	s.state = stateDone
	data, err := json.Marshal(domain.ErrorResponse{Error: apiErr})
	if err != nil {
		return nil
	}
	return s.emit(Frame{Kind: FrameError, Data: data})
}

func (s *StreamNormalizer) start(chunk gjson.Result) []Frame {
	if created := chunk.Get("created"); created.Type == gjson.Number {
		s.created = created.Int()
	} else {
		s.created = s.opts.now().Unix()
	}
	if model := chunk.Get("model"); model.Type == gjson.String && model.String() != "" {
		s.model = model.String()
	}
	s.state = stateStreaming

	role := defaultRole
	if r := chunk.Get("choices.0.delta.role"); r.Type == gjson.String && r.String() != "" {
		role = r.String()
	}

	empty := ""
	return s.chunkFrame(FrameRole, ChunkChoice{
		Delta: ChunkDelta{Role: role, Content: &empty},
	})
}

func (s *StreamNormalizer) choiceFrame(choice gjson.Result) []Frame {
	out := ChunkChoice{
		Index: int(choice.Get("index").Int()),
	}

	delta := choice.Get("delta")
	if content := delta.Get("content"); content.Type == gjson.String {
		text := content.String()
		out.Delta.Content = &text
		s.content.WriteString(text)
	}
	out.Delta.ToolCalls = toolCallChunks(delta.Get("tool_calls"))

	kind := FrameContent
	if reason := choice.Get("finish_reason"); reason.Type == gjson.String {
		r := reason.String()
		out.FinishReason = &r
		kind = FrameFinish
		s.state = stateFinished
	}

	return s.chunkFrame(kind, out)
}

// usageFrames forwards backend usage and, once forwarded, ends the stream.
func (s *StreamNormalizer) usageFrames(usage gjson.Result) []Frame {
	frames := s.usageFrame(&Usage{
		PromptTokens:     int(usage.Get("prompt_tokens").Int()),
		CompletionTokens: int(usage.Get("completion_tokens").Int()),
		TotalTokens:      int(usage.Get("total_tokens").Int()),
	})
	if len(frames) == 0 {
		return nil
	}
	return append(frames, s.Finish()...)
}

func (s *StreamNormalizer) usageFrame(usage *Usage) []Frame {
	if !s.opts.includeUsage || s.usageSent {
		return nil
	}
	s.usageSent = true
	if s.created == 0 {
		s.created = s.opts.now().Unix()
	}
	return s.marshal(FrameUsage, ChatCompletionChunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{},
		Usage:   usage,
	})
}

func (s *StreamNormalizer) chunkFrame(kind FrameKind, choice ChunkChoice) []Frame {
	return s.marshal(kind, ChatCompletionChunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{choice},
	})
}

func (s *StreamNormalizer) marshal(kind FrameKind, chunk ChatCompletionChunk) []Frame {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return s.emit(Frame{Kind: kind, Data: data})
}

func (s *StreamNormalizer) passthrough(line string) []Frame {
	return s.emit(Frame{Kind: FramePassthrough, Data: []byte(line)})
}

func (s *StreamNormalizer) emit(f Frame) []Frame {
	if s.opts.onFrame != nil {
		s.opts.onFrame(f.Kind)
	}
	return []Frame{f}
}

func hasPayload(choice gjson.Result) bool {
	delta := choice.Get("delta")
	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		return true
	}
	if calls := delta.Get("tool_calls"); calls.IsArray() && len(calls.Array()) > 0 {
		return true
	}
	return choice.Get("finish_reason").Type == gjson.String
}

func toolCallChunks(calls gjson.Result) []ToolCallChunk {
	if !calls.IsArray() {
		return nil
	}
	var out []ToolCallChunk
	calls.ForEach(func(_, call gjson.Result) bool {
		tc := ToolCallChunk{
			Index: int(call.Get("index").Int()),
			ID:    call.Get("id").String(),
			Type:  call.Get("type").String(),
		}
		if fn := call.Get("function"); fn.IsObject() {
			tc.Function = &FunctionCallChunk{
				Name:      fn.Get("name").String(),
				Arguments: fn.Get("arguments").String(),
			}
		}
		out = append(out, tc)
		return true
	})
	return out
}

// Copy reads backend lines from src and writes normalized frames to dst,
// flushing after each frame. EOF finishes the stream. A read or write error
// is returned without emitting [DONE].
func (s *StreamNormalizer) Copy(ctx context.Context, dst io.Writer, src io.Reader) error {
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	flusher, _ := dst.(http.Flusher)
	write := func(frames []Frame) error {
		for _, f := range frames {
			if _, err := dst.Write(f.Bytes()); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := write(s.Process(scanner.Text())); err != nil {
			return err
		}
		if s.state == stateDone {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read error: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return write(s.Finish())
}
