package chat

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestSanitize_Whitelist(t *testing.T) {
	var logs bytes.Buffer
	body := `{
		"model": "MindSDK/Qwen3-8B",
		"messages": [{"role": "user", "content": "Hello"}],
		"temperature": 0.7,
		"top_p": 0.5,
		"seed": 1234,
		"stream": true,
		"stream_options": {"include_usage": true},
		"logit_bias": {"1": 2},
		"min_tokens": 1,
		"user": "someone"
	}`

	req, err := Sanitize([]byte(body), testLogger(&logs))
	require.NoError(t, err)

	out := gjson.ParseBytes(req.Body)
	for _, kept := range []string{"model", "messages", "temperature", "top_p", "seed", "stream", "stream_options"} {
		assert.True(t, out.Get(kept).Exists(), "%s should be forwarded", kept)
	}
	for _, dropped := range []string{"logit_bias", "min_tokens", "user"} {
		assert.False(t, out.Get(dropped).Exists(), "%s should be dropped", dropped)
		assert.Contains(t, logs.String(), "param="+dropped)
	}

	assert.Equal(t, "MindSDK/Qwen3-8B", req.Model)
	assert.True(t, req.Stream)
	assert.True(t, req.IncludeUsage)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Hello", req.Messages[0].Content)
}

func TestSanitize_RoleFilter(t *testing.T) {
	body := `{"messages": [
		{"role": "system", "content": "be brief"},
		{"role": "invalid", "content": "x"},
		"not an object",
		{"content": "no role"},
		{"role": "user", "content": [{"type": "text", "text": "part one"}, {"type": "text", "text": "part two"}]}
	]}`

	req, err := Sanitize([]byte(body), testLogger(&bytes.Buffer{}))
	require.NoError(t, err)

	roles := gjson.GetBytes(req.Body, "messages.#.role").Array()
	require.Len(t, roles, 2)
	assert.Equal(t, "system", roles[0].String())
	assert.Equal(t, "user", roles[1].String())
	assert.Equal(t, "part one\npart two", req.Messages[1].Content)
}

func TestSanitize_ContinuousUsageStats(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true,"stream_options":{"include_usage":true,"continuous_usage_stats":true}}`

	req, err := Sanitize([]byte(body), testLogger(&bytes.Buffer{}))
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(req.Body, "stream_options.continuous_usage_stats").Exists())
	assert.True(t, gjson.GetBytes(req.Body, "stream_options.include_usage").Bool())
}

func TestSanitize_IncludeUsageNeedsStream(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"hi"}],"stream_options":{"include_usage":true}}`

	req, err := Sanitize([]byte(body), testLogger(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.False(t, req.Stream)
	assert.False(t, req.IncludeUsage)
}

func TestSanitize_InvalidValuesDropped(t *testing.T) {
	tests := []struct {
		field string
		value string
	}{
		{"frequency_penalty", `"1.5"`},
		{"frequency_penalty", `-3.0`},
		{"frequency_penalty", `2.1`},
		{"presence_penalty", `"0.0"`},
		{"presence_penalty", `2.1`},
		{"max_tokens", `"1024"`},
		{"max_tokens", `0`},
		{"max_tokens", `64001`},
		{"max_tokens", `10.5`},
		{"model", `1`},
		{"seed", `"1234"`},
		{"seed", `-9223372036854775809`},
		{"seed", `9223372036854775809`},
		{"stream", `"True"`},
		{"temperature", `"0.7"`},
		{"temperature", `-1.0`},
		{"temperature", `3.0`},
		{"top_p", `"0.5"`},
		{"top_p", `1e-9`},
		{"top_p", `2.0`},
		{"stop", `[1, 2]`},
		{"tools", `{}`},
		{"stream_options", `true`},
	}

	for _, tt := range tests {
		t.Run(tt.field+"="+tt.value, func(t *testing.T) {
			var logs bytes.Buffer
			body := `{"messages":[{"role":"user","content":"hi"}],"` + tt.field + `":` + tt.value + `}`

			req, err := Sanitize([]byte(body), testLogger(&logs))
			require.NoError(t, err)
			assert.False(t, gjson.GetBytes(req.Body, tt.field).Exists())
			assert.Contains(t, logs.String(), "value ignored")
		})
	}
}

func TestSanitize_ValidBoundaries(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"hi"}],"max_tokens":64000,"temperature":0,"top_p":1,"frequency_penalty":-2,"seed":-9223372036854775808,"stop":["\n"],"top_k":-1}`

	req, err := Sanitize([]byte(body), testLogger(&bytes.Buffer{}))
	require.NoError(t, err)

	for _, field := range []string{"max_tokens", "temperature", "top_p", "frequency_penalty", "seed", "stop", "top_k"} {
		assert.True(t, gjson.GetBytes(req.Body, field).Exists(), field)
	}
}

func TestSanitize_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		code domain.ErrorCode
	}{
		{"invalid json", `{"messages":`, domain.ErrorCodeInvalidJSON},
		{"not an object", `[1,2]`, domain.ErrorCodeInvalidJSON},
		{"missing messages", `{"model":"m"}`, ""},
		{"messages as string", `{"messages":"[{\"role\":\"user\"}]"}`, ""},
		{"no valid messages", `{"messages":[{"role":"invalid","content":"x"}]}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sanitize([]byte(tt.body), testLogger(&bytes.Buffer{}))
			require.Error(t, err)

			apiErr := domain.AsAPIError(err)
			assert.Equal(t, domain.ErrorTypeInvalidRequest, apiErr.Type)
			assert.Equal(t, 400, apiErr.HTTPStatusCode())
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}
