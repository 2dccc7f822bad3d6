package compat

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

// ValidateChatRequest checks an incoming chat-completions body against the
// OpenAI request schema: a model and a non-empty messages array whose entries
// carry a known role and text content.
func ValidateChatRequest(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("request body is not valid JSON")
	}
	if strings.TrimSpace(gjson.GetBytes(body, "model").String()) == "" {
		return fmt.Errorf("missing or invalid 'model' key")
	}

	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return fmt.Errorf("'messages' must be a non-empty array")
	}

	var invalid error
	messages.ForEach(func(idx, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if !validRoles[role] {
			invalid = fmt.Errorf("messages[%d]: role %q must be one of system, user, assistant", idx.Int(), role)
			return false
		}
		content := msg.Get("content")
		if !content.Exists() || content.Type != gjson.String {
			invalid = fmt.Errorf("messages[%d]: content must be a string", idx.Int())
			return false
		}
		return true
	})
	return invalid
}
