package llmproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// chatRequest is a validated chat completion payload. raw is kept so stream
// mode can forward the caller's bytes untouched.
type chatRequest struct {
	raw    []byte
	fields map[string]json.RawMessage
}

// camelCase spellings accepted from older clients, mapped to the wire names
var fieldAliases = map[string]string{
	"maxTokens":  "max_tokens",
	"toolChoice": "tool_choice",
}

// readChatRequest reads and validates a payload of at most limit bytes
func readChatRequest(r io.Reader, limit int64) (*chatRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, badRequest("failed to read request body: %v", err)
	}
	if int64(len(raw)) > limit {
		return nil, badRequest("request body exceeds %d bytes", limit)
	}
	return parseChatRequest(raw)
}

func parseChatRequest(raw []byte) (*chatRequest, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, badRequest("request body is empty")
	}
	if trimmed[0] != '{' {
		return nil, badRequest("request body must be a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, badRequest("invalid JSON: %v", err)
	}

	req := &chatRequest{raw: raw, fields: fields}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *chatRequest) validate() error {
	var messages []json.RawMessage
	if err := c.decode("messages", &messages); err != nil {
		return badRequest("messages must be an array")
	}
	if len(messages) == 0 {
		return badRequest("messages must be a non-empty array")
	}

	var model string
	if err := c.decode("model", &model); err != nil || model == "" {
		return badRequest("model must be a non-empty string")
	}

	for _, name := range []string{"max_tokens", "maxTokens", "temperature"} {
		if !c.has(name) {
			continue
		}
		var n float64
		if err := c.decode(name, &n); err != nil {
			return badRequest("%s must be a number", name)
		}
	}

	if c.has("tools") {
		var tools []json.RawMessage
		if err := c.decode("tools", &tools); err != nil {
			return badRequest("tools must be an array")
		}
	}

	for _, name := range []string{"tool_choice", "toolChoice"} {
		if !c.has(name) {
			continue
		}
		if b := bytes.TrimSpace(c.fields[name]); b[0] != '"' && b[0] != '{' {
			return badRequest("%s must be a string or an object", name)
		}
	}

	return nil
}

// has reports whether a field is present with a non-null value
func (c *chatRequest) has(name string) bool {
	v, ok := c.fields[name]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func (c *chatRequest) decode(name string, dst any) error {
	v, ok := c.fields[name]
	if !ok {
		return fmt.Errorf("%s is missing", name)
	}
	return json.Unmarshal(v, dst)
}

// model returns the requested model for logging
func (c *chatRequest) model() string {
	var m string
	_ = c.decode("model", &m)
	return m
}

// normalized returns the body sent upstream in batch mode: streaming off,
// generation defaults filled in, aliases folded into wire names. Every other
// field passes through unchanged.
func (c *chatRequest) normalized(defaultMaxTokens int, defaultTemperature float64) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.fields)+4)
	for k, v := range c.fields {
		out[k] = v
	}

	for alias, name := range fieldAliases {
		if v, ok := out[alias]; ok {
			if !c.has(name) {
				out[name] = v
			}
			delete(out, alias)
		}
	}

	isNull := func(name string) bool {
		v, ok := out[name]
		return !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
	}

	out["stream"] = json.RawMessage("false")

	if isNull("max_tokens") {
		out["max_tokens"] = mustMarshal(defaultMaxTokens)
	}
	if isNull("temperature") {
		out["temperature"] = mustMarshal(defaultTemperature)
	}
	if !isNull("tools") && isNull("tool_choice") {
		out["tool_choice"] = json.RawMessage(`"auto"`)
	}

	return json.Marshal(out)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}
