package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_Init(t *testing.T) {
	f, err := Decode([]byte(`{"type":"init","sessionId":"guest_abc","character":{"id":3,"systemPrompt":"You are Sherlock.","name":"Sherlock","avatar":"https://img/s.png"}}`))
	require.NoError(t, err)

	init, ok := f.(InitFrame)
	require.True(t, ok)
	require.Equal(t, "guest_abc", init.SessionID)
	require.Equal(t, Character{SystemPrompt: "You are Sherlock.", Name: "Sherlock", Avatar: "https://img/s.png"}, init.Character)
}

func TestDecode_InitWithoutSession(t *testing.T) {
	for name, raw := range map[string]string{
		"absent": `{"type":"init","character":{"systemPrompt":"p"}}`,
		"null":   `{"type":"init","sessionId":null,"character":{"systemPrompt":"p"}}`,
		"empty":  `{"type":"init","sessionId":"","character":{"systemPrompt":"p"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			f, err := Decode([]byte(raw))
			require.NoError(t, err)
			require.Equal(t, InitFrame{Character: Character{SystemPrompt: "p"}}, f)
		})
	}
}

func TestDecode_InitWithoutCharacter(t *testing.T) {
	f, err := Decode([]byte(`{"type":"init"}`))
	require.NoError(t, err)
	require.Equal(t, InitFrame{}, f)
}

func TestDecode_Message(t *testing.T) {
	f, err := Decode([]byte(`{"type":"message","content":"Hello there"}`))
	require.NoError(t, err)
	require.Equal(t, MessageFrame{Content: "Hello there"}, f)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]struct {
		raw    string
		reason string
	}{
		"not json":          {`{"type":`, "unexpected end of JSON input"},
		"not an object":     {`["init"]`, "/"},
		"missing type":      {`{"content":"hi"}`, "type"},
		"type not a string": {`{"type":7}`, "/type"},
		"unknown type":      {`{"type":"dance"}`, `unknown frame type "dance"`},
		"missing content":   {`{"type":"message"}`, "content"},
		"content number":    {`{"type":"message","content":12}`, "/content"},
		"bad session id":    {`{"type":"init","sessionId":5}`, "/sessionId"},
		"bad character":     {`{"type":"init","character":"Sherlock"}`, "/character"},
		"bad prompt":        {`{"type":"init","character":{"systemPrompt":["a"]}}`, "/character/systemPrompt"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := Decode([]byte(tc.raw))
			require.Nil(t, f)
			var merr *MalformedFrameError
			require.ErrorAs(t, err, &merr)
			require.Contains(t, merr.Error(), tc.reason)
		})
	}
}

func TestEvents_Marshal(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{HistoryEvent{Messages: []HistoryMessage{{Sender: "user", Content: "hi"}, {Sender: "character", Content: "hello"}}},
			`{"type":"history","messages":[{"sender":"user","content":"hi"},{"sender":"character","content":"hello"}]}`},
		{HistoryEvent{}, `{"type":"history","messages":[]}`},
		{ReadyEvent{}, `{"type":"ready"}`},
		{ReadyEvent{SessionID: "s-1"}, `{"type":"ready","sessionId":"s-1"}`},
		{TypingEvent{}, `{"type":"typing"}`},
		{ReplyEvent{Content: "Elementary."}, `{"type":"message","content":"Elementary."}`},
		{ErrorEvent{Message: "AI Error: rate limited"}, `{"type":"error","message":"AI Error: rate limited"}`},
	}
	for _, tc := range cases {
		got, err := json.Marshal(tc.event)
		require.NoError(t, err)
		require.JSONEq(t, tc.want, string(got))
	}
}
