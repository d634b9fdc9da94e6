package relay

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// replyRule locates the assistant text inside the first choice of a provider response.
// Rules are tried in order and the first one whose match reports true decides the
// outcome, even when the value it extracts turns out to be empty.
type replyRule struct {
	name    string
	match   func(choice gjson.Result) bool
	extract func(choice gjson.Result) string
}

var replyRules = []replyRule{
	{
		name:    "message.content",
		match:   hasNested("message", "content"),
		extract: textAt("message.content"),
	},
	{
		name:    "text",
		match:   hasField("text"),
		extract: textAt("text"),
	},
	{
		// single-chunk responses shaped like a streaming delta
		name:    "delta.content",
		match:   hasNested("delta", "content"),
		extract: textAt("delta.content"),
	},
}

// ExtractReply returns the assistant reply held in raw, or false when no rule matched
// or the matching rule produced an empty string.
func ExtractReply(raw []byte) (string, bool) {
	reply, _, ok := extractReply(raw)
	return reply, ok
}

func extractReply(raw []byte) (string, string, bool) {
	choice, ok := firstChoice(raw)
	if !ok {
		return "", "", false
	}

	for _, rule := range replyRules {
		if !rule.match(choice) {
			continue
		}
		reply := rule.extract(choice)
		return reply, rule.name, reply != ""
	}
	return "", "", false
}

func firstChoice(raw []byte) (gjson.Result, bool) {
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return gjson.Result{}, false
	}

	choices := doc.Get("choices")
	if !choices.IsArray() {
		return gjson.Result{}, false
	}

	items := choices.Array()
	if len(items) == 0 || !items[0].IsObject() {
		return gjson.Result{}, false
	}
	return items[0], true
}

func hasField(key string) func(gjson.Result) bool {
	return func(choice gjson.Result) bool {
		return choice.Get(key).Exists()
	}
}

func hasNested(parent, key string) func(gjson.Result) bool {
	return func(choice gjson.Result) bool {
		container := choice.Get(parent)
		return container.IsObject() && container.Get(key).Exists()
	}
}

// textAt renders the value at path as reply text. Strings are returned as is;
// non-empty arrays and objects (multi-part content) and non-zero numbers are
// returned as compact JSON. null, false, 0, "" and empty containers count as empty.
func textAt(path string) func(gjson.Result) string {
	return func(choice gjson.Result) string {
		value := choice.Get(path)
		switch value.Type {
		case gjson.String:
			return value.Str
		case gjson.True:
			return value.Raw
		case gjson.Number:
			if value.Num == 0 {
				return ""
			}
			return value.Raw
		case gjson.JSON:
			return compactJSON(value)
		default:
			return ""
		}
	}
}

func compactJSON(value gjson.Result) string {
	if (value.IsArray() && len(value.Array()) == 0) || (value.IsObject() && len(value.Map()) == 0) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(value.Raw)); err != nil {
		return ""
	}
	return buf.String()
}
