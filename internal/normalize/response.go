package normalize

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// NormalizeResponse rebuilds a non-streaming chat completion body into the
// canonical shape. Bodies that are not a JSON object with a choices array are
// returned unchanged.
func NormalizeResponse(body []byte, opts ...Option) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return body
	}
	choices := doc.Get("choices")
	if !choices.IsArray() {
		return body
	}

	o := newOptions(opts)
	resp := ChatCompletionResponse{
		ID:      o.newID(),
		Object:  objectCompletion,
		Created: o.now().Unix(),
		Model:   o.model,
		Choices: []Choice{},
	}
	if created := doc.Get("created"); created.Type == gjson.Number {
		resp.Created = created.Int()
	}
	if model := doc.Get("model"); model.Type == gjson.String && model.String() != "" {
		resp.Model = model.String()
	}

	var generated string
	choices.ForEach(func(_, c gjson.Result) bool {
		choice := Choice{
			Index:   int(c.Get("index").Int()),
			Message: Message{Role: defaultRole},
		}
		msg := c.Get("message")
		if role := msg.Get("role"); role.Type == gjson.String && role.String() != "" {
			choice.Message.Role = role.String()
		}
		if content := msg.Get("content"); content.Type == gjson.String {
			text := content.String()
			choice.Message.Content = &text
			generated += text
		}
		choice.Message.ToolCalls = toolCalls(msg.Get("tool_calls"))
		if reason := c.Get("finish_reason"); reason.Type == gjson.String {
			r := reason.String()
			choice.FinishReason = &r
		}
		resp.Choices = append(resp.Choices, choice)
		return true
	})

	if usage := doc.Get("usage"); usage.IsObject() {
		resp.Usage = &Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
	} else if o.estimator != nil {
		completion := o.estimator.CountText(resp.Model, generated)
		resp.Usage = &Usage{
			PromptTokens:     o.promptTokens,
			CompletionTokens: completion,
			TotalTokens:      o.promptTokens + completion,
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return body
	}
	return out
}

func toolCalls(calls gjson.Result) []ToolCall {
	if !calls.IsArray() {
		return nil
	}
	var out []ToolCall
	calls.ForEach(func(_, call gjson.Result) bool {
		out = append(out, ToolCall{
			ID:   call.Get("id").String(),
			Type: call.Get("type").String(),
			Function: FunctionCall{
				Name:      call.Get("function.name").String(),
				Arguments: call.Get("function.arguments").String(),
			},
		})
		return true
	})
	return out
}

// NormalizeModels rebuilds a model list, keeping only the public model
// fields. Bodies without a data array are returned unchanged.
func NormalizeModels(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	doc := gjson.ParseBytes(body)
	data := doc.Get("data")
	if !doc.IsObject() || !data.IsArray() {
		return body
	}

	list := ModelList{Object: objectList, Data: []Model{}}
	data.ForEach(func(_, m gjson.Result) bool {
		model := Model{
			ID:          m.Get("id").String(),
			Object:      objectModel,
			Created:     m.Get("created").Int(),
			OwnedBy:     m.Get("owned_by").String(),
			MaxModelLen: m.Get("max_model_len").Int(),
		}
		if obj := m.Get("object"); obj.Type == gjson.String && obj.String() != "" {
			model.Object = obj.String()
		}
		list.Data = append(list.Data, model)
		return true
	})

	out, err := json.Marshal(list)
	if err != nil {
		return body
	}
	return out
}
