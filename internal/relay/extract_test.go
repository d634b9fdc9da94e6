package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractReply(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		want     string
		wantRule string
		wantOK   bool
	}{
		{name: "message content", body: `{"choices":[{"message":{"content":"hi"}}]}`, want: "hi", wantRule: "message.content", wantOK: true},
		{name: "text", body: `{"choices":[{"text":"hi2"}]}`, want: "hi2", wantRule: "text", wantOK: true},
		{name: "delta content", body: `{"choices":[{"delta":{"content":"hi3"}}]}`, want: "hi3", wantRule: "delta.content", wantOK: true},
		{name: "message beats text", body: `{"choices":[{"message":{"content":"first"},"text":"second"}]}`, want: "first", wantRule: "message.content", wantOK: true},
		{name: "text beats delta", body: `{"choices":[{"text":"second","delta":{"content":"third"}}]}`, want: "second", wantRule: "text", wantOK: true},
		{name: "only first choice counts", body: `{"choices":[{"finish_reason":"length"},{"text":"later"}]}`},
		{name: "message without content falls through", body: `{"choices":[{"message":{"role":"assistant"},"text":"fallback"}]}`, want: "fallback", wantRule: "text", wantOK: true},
		{name: "empty content does not fall through", body: `{"choices":[{"message":{"content":""},"text":"ignored"}]}`, wantRule: "message.content"},
		{name: "null content does not fall through", body: `{"choices":[{"message":{"content":null},"text":"ignored"}]}`, wantRule: "message.content"},
		{name: "array content as compact json", body: `{"choices":[{"message":{"content":[ {"type": "text", "text": "x"} ]}}]}`, want: `[{"type":"text","text":"x"}]`, wantRule: "message.content", wantOK: true},
		{name: "object text as compact json", body: `{"choices":[{"text":{"value": "y"}}]}`, want: `{"value":"y"}`, wantRule: "text", wantOK: true},
		{name: "numeric content", body: `{"choices":[{"message":{"content":42}}]}`, want: "42", wantRule: "message.content", wantOK: true},
		{name: "true content", body: `{"choices":[{"delta":{"content":true}}]}`, want: "true", wantRule: "delta.content", wantOK: true},
		{name: "zero content", body: `{"choices":[{"message":{"content":0},"text":"ignored"}]}`, wantRule: "message.content"},
		{name: "false content", body: `{"choices":[{"message":{"content":false}}]}`, wantRule: "message.content"},
		{name: "empty array content", body: `{"choices":[{"message":{"content":[]},"text":"ignored"}]}`, wantRule: "message.content"},
		{name: "empty object content", body: `{"choices":[{"message":{"content":{ }}}]}`, wantRule: "message.content"},
		{name: "empty choices", body: `{"choices":[]}`},
		{name: "no choices", body: `{}`},
		{name: "choices not an array", body: `{"choices":{"0":{"text":"x"}}}`},
		{name: "choice not an object", body: `{"choices":["hi"]}`},
		{name: "message not an object", body: `{"choices":[{"message":"content"}]}`},
		{name: "document not an object", body: `[{"choices":[{"text":"x"}]}]`},
		{name: "error payload", body: `{"error":{"message":"rate limited","code":429}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply, rule, ok := extractReply([]byte(tc.body))
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, reply)
			require.Equal(t, tc.wantRule, rule)

			exported, exportedOK := ExtractReply([]byte(tc.body))
			require.Equal(t, reply, exported)
			require.Equal(t, ok, exportedOK)
		})
	}
}

func TestReplyRulesOrder(t *testing.T) {
	names := make([]string, 0, len(replyRules))
	for _, rule := range replyRules {
		names = append(names, rule.name)
	}
	require.Equal(t, []string{"message.content", "text", "delta.content"}, names)
}
