package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
)

func TestEncodeChat(t *testing.T) {
	data, err := EncodeChat("hello")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","content":"hello"}`, string(data))

	_, err = EncodeChat("   ")
	require.ErrorIs(t, err, apperrors.ErrValidation)
	var ce *apperrors.ContextualError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "content", ce.Context["field"])

	long := strings.Repeat("x", 20000)
	data, err = EncodeChat(long)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, long, env.Content)
}

func TestEncodeMode(t *testing.T) {
	data, err := EncodeMode(interfaces.ModeRestricted)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mode","mode":"restricted"}`, string(data))

	data, err = EncodeMode(interfaces.ModeSafe)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mode","mode":"safe"}`, string(data))

	_, err = EncodeMode(interfaces.Mode(42))
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Incoming
	}{
		{
			name:    "plain text",
			payload: "not json at all",
			want:    Incoming{Kind: KindText, Content: "not json at all"},
		},
		{
			name:    "json array is text",
			payload: `[1,2,3]`,
			want:    Incoming{Kind: KindText, Content: `[1,2,3]`},
		},
		{
			name:    "json null is text",
			payload: `null`,
			want:    Incoming{Kind: KindText, Content: `null`},
		},
		{
			name:    "trailing data is text",
			payload: `{"type":"message"} extra`,
			want:    Incoming{Kind: KindText, Content: `{"type":"message"} extra`},
		},
		{
			name:    "message reply",
			payload: `{"type":"message","content":"hi there","emotion":"happy","animation":"wave"}`,
			want: Incoming{
				Kind: KindResponse, Type: "message", Content: "hi there",
				Emotion: "happy", Animation: "wave",
			},
		},
		{
			name:    "response type with response field",
			payload: `{"type":"response","response":"sure"}`,
			want:    Incoming{Kind: KindResponse, Type: "response", Content: "sure"},
		},
		{
			name:    "untyped object with response",
			payload: `{"response":"from chat","emotion":"calm","mode":"nsfw"}`,
			want: Incoming{
				Kind: KindResponse, Content: "from chat", Emotion: "calm",
				Mode: interfaces.ModeRestricted, HasMode: true,
			},
		},
		{
			name:    "mode ack accepted",
			payload: `{"type":"mode_ack","mode":"restricted"}`,
			want: Incoming{
				Kind: KindModeAck, Type: "mode_ack", Accepted: true,
				Mode: interfaces.ModeRestricted, HasMode: true,
			},
		},
		{
			name:    "mode changed with current_mode",
			payload: `{"type":"mode_changed","status":"success","current_mode":"safe","message":"done"}`,
			want: Incoming{
				Kind: KindModeAck, Type: "mode_changed", Accepted: true,
				Mode: interfaces.ModeSafe, HasMode: true, Reason: "done",
			},
		},
		{
			name:    "mode rejected by status",
			payload: `{"type":"mode","status":"rejected","reason":"not allowed"}`,
			want:    Incoming{Kind: KindModeAck, Type: "mode", Reason: "not allowed"},
		},
		{
			name:    "mode rejected by accepted flag",
			payload: `{"type":"mode_ack","accepted":false,"error":"policy"}`,
			want:    Incoming{Kind: KindModeAck, Type: "mode_ack", Reason: "policy"},
		},
		{
			name:    "server error",
			payload: `{"type":"error","message":"model overloaded"}`,
			want: Incoming{
				Kind: KindError, Type: "error", Content: "model overloaded", Reason: "model overloaded",
			},
		},
		{
			name:    "unknown type passes through",
			payload: `{"type":"typing","content":"..."}`,
			want:    Incoming{Kind: KindNotice, Type: "typing", Content: "..."},
		},
		{
			name:    "unknown type without text keeps payload",
			payload: `{"type":"ping"}`,
			want:    Incoming{Kind: KindNotice, Type: "ping", Content: `{"type":"ping"}`},
		},
		{
			name:    "untyped object without content",
			payload: `{"foo":1}`,
			want:    Incoming{Kind: KindNotice, Content: `{"foo":1}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode([]byte(tt.payload))
			assert.Equal(t, tt.payload, string(got.Raw))
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(Incoming{}, "Raw")); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeEncodedEnvelopes(t *testing.T) {
	data, err := json.Marshal(Envelope{Type: TypeMessage, Content: "echo"})
	require.NoError(t, err)

	in := Decode(data)
	assert.Equal(t, KindResponse, in.Kind)
	assert.Equal(t, "echo", in.Content)
}
