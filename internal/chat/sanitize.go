// Package chat prepares client chat completion requests for the engine.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
	"github.com/Ascend/MindInferenceService-sub000/internal/tokens"
)

// MaxTokens bounds max_tokens and max_completion_tokens.
const MaxTokens = 64000

// allowedRoles are the message roles the engine accepts.
var allowedRoles = map[string]bool{
	"system":    true,
	"assistant": true,
	"user":      true,
	"tool":      true,
}

// fieldRule validates one top-level field. A failing rule drops the field.
type fieldRule func(v gjson.Result) error

// fields is the whitelist of forwarded top-level fields.
var fields = map[string]fieldRule{
	"messages":          anyValue,
	"model":             stringValue,
	"frequency_penalty": floatRange(-2.0, 2.0),
	"max_tokens":        intRange(1, MaxTokens),
	"presence_penalty":  floatRange(-2.0, 2.0),
	"seed":              intRange(math.MinInt64, math.MaxInt64),
	"stop":              stopValue,
	"stream":            boolValue,
	"stream_options":    objectValue,
	"temperature":       floatRange(0.0, 2.0),
	"top_p":             floatRange(1e-8, 1.0),
	"tools":             arrayValue,
	"tool_choice":       anyValue,
	"top_k":             intRange(-1, math.MaxInt32),
}

// Request is a sanitized chat completion request.
type Request struct {
	// Body is the JSON forwarded to the engine.
	Body []byte

	Model        string
	Stream       bool
	IncludeUsage bool
	Messages     []tokens.Message
}

// Sanitize filters body down to the fields and message roles the engine
// understands. Invalid JSON or a request without any usable message is
// rejected; everything else is repaired and logged.
func Sanitize(body []byte, logger *slog.Logger) (*Request, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !gjson.ValidBytes(body) {
		return nil, domain.ErrInvalidRequest("Invalid JSON body").WithCode(domain.ErrorCodeInvalidJSON)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, domain.ErrInvalidRequest("Request body must be a JSON object").WithCode(domain.ErrorCodeInvalidJSON)
	}

	out := []byte("{}")
	var setErr error
	doc.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		rule, ok := fields[name]
		if !ok {
			logger.Warn("ignoring unsupported chat completion parameter", slog.String("param", name))
			return true
		}
		if value.Type == gjson.Null {
			return true
		}
		if err := rule(value); err != nil {
			logger.Warn("invalid value for parameter, value ignored",
				slog.String("param", name),
				slog.String("reason", err.Error()),
			)
			return true
		}
		out, setErr = sjson.SetRawBytes(out, name, []byte(value.Raw))
		return setErr == nil
	})
	if setErr != nil {
		return nil, fmt.Errorf("rebuild request: %w", setErr)
	}

	req := &Request{}

	messages := doc.Get("messages")
	if !messages.Exists() {
		return nil, domain.ErrInvalidRequest("messages is required").WithParam("messages")
	}
	if !messages.IsArray() {
		return nil, domain.ErrInvalidRequest("messages must be an array").WithParam("messages")
	}
	kept := []byte("[]")
	var err error
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role")
		if !msg.IsObject() || role.Type != gjson.String || !allowedRoles[role.String()] {
			logger.Warn("dropping message with unsupported role",
				slog.String("role", role.String()),
			)
			return true
		}
		kept, err = sjson.SetRawBytes(kept, "-1", []byte(msg.Raw))
		if err != nil {
			return false
		}
		req.Messages = append(req.Messages, tokens.Message{
			Role:    role.String(),
			Content: messageText(msg.Get("content")),
		})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild messages: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, domain.ErrInvalidRequest("At least one message with role system, assistant, user or tool is required").
			WithParam("messages")
	}
	if out, err = sjson.SetRawBytes(out, "messages", kept); err != nil {
		return nil, fmt.Errorf("rebuild messages: %w", err)
	}

	opts := gjson.GetBytes(out, "stream_options")
	if opts.Get("continuous_usage_stats").Exists() {
		logger.Warn("ignoring stream_options.continuous_usage_stats")
		if out, err = sjson.DeleteBytes(out, "stream_options.continuous_usage_stats"); err != nil {
			return nil, fmt.Errorf("rebuild stream_options: %w", err)
		}
	}

	req.Body = out
	req.Model = gjson.GetBytes(out, "model").String()
	req.Stream = gjson.GetBytes(out, "stream").Bool()
	req.IncludeUsage = req.Stream && gjson.GetBytes(out, "stream_options.include_usage").Bool()
	return req, nil
}

// messageText flattens string or multi-part content into plain text.
func messageText(content gjson.Result) string {
	if content.IsArray() {
		var parts []string
		for _, part := range content.Get("#.text").Array() {
			parts = append(parts, part.String())
		}
		return strings.Join(parts, "\n")
	}
	if content.Type == gjson.String {
		return content.String()
	}
	return ""
}

func anyValue(gjson.Result) error { return nil }

func typeError(expected string) error {
	return fmt.Errorf("unsupported type, expected: %s", expected)
}

func stringValue(v gjson.Result) error {
	if v.Type != gjson.String {
		return typeError("str")
	}
	return nil
}

func boolValue(v gjson.Result) error {
	if v.Type != gjson.True && v.Type != gjson.False {
		return typeError("bool")
	}
	return nil
}

func objectValue(v gjson.Result) error {
	if !v.IsObject() {
		return typeError("object")
	}
	return nil
}

func arrayValue(v gjson.Result) error {
	if !v.IsArray() {
		return typeError("array")
	}
	return nil
}

func stopValue(v gjson.Result) error {
	if v.Type == gjson.String {
		return nil
	}
	if !v.IsArray() {
		return typeError("str or list")
	}
	for _, item := range v.Array() {
		if item.Type != gjson.String {
			return typeError("list of str")
		}
	}
	return nil
}

func floatRange(lo, hi float64) fieldRule {
	return func(v gjson.Result) error {
		if v.Type != gjson.Number {
			return typeError("float")
		}
		if f := v.Float(); f < lo || f > hi {
			return fmt.Errorf("must be between %v and %v", lo, hi)
		}
		return nil
	}
}

func intRange(lo, hi int64) fieldRule {
	return func(v gjson.Result) error {
		if v.Type != gjson.Number {
			return typeError("int")
		}
		n, err := strconv.ParseInt(v.Raw, 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			return fmt.Errorf("must be between %d and %d", lo, hi)
		}
		if err != nil {
			return typeError("int")
		}
		if n < lo || n > hi {
			return fmt.Errorf("must be between %d and %d", lo, hi)
		}
		return nil
	}
}
