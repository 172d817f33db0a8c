package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{"call", `{"id":7,"method":"Page.navigate","params":{"url":"https://example.com"}}`, KindCall},
		{"call with session", `{"id":1,"method":"Runtime.evaluate","sessionId":"s1"}`, KindCall},
		{"reply", `{"id":7,"result":{"ok":true}}`, KindReply},
		{"error reply", `{"id":7,"error":{"message":"boom"}}`, KindReply},
		{"zero id reply", `{"id":0,"result":{}}`, KindReply},
		{"event", `{"method":"Target.attachedToTarget","params":{"sessionId":"s1"}}`, KindEvent},
		{"empty", `{}`, KindInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode(%s) failed: %v", tc.raw, err)
			}
			if got := m.Kind(); got != tc.want {
				t.Errorf("Kind() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	reply, err := ResultReply(42, GetTargetsResult{TargetInfos: []TargetInfo{
		{TargetID: "t1", Type: "page", Title: "Example", URL: "https://example.com", Attached: true},
	}})
	if err != nil {
		t.Fatalf("ResultReply failed: %v", err)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if m.Kind() != KindReply {
		t.Fatalf("Kind() = %v, want reply", m.Kind())
	}

	var got GetTargetsResult
	if err := json.Unmarshal(m.Result, &got); err != nil {
		t.Fatalf("unmarshal result failed: %v", err)
	}
	want := GetTargetsResult{TargetInfos: []TargetInfo{
		{TargetID: "t1", Type: "page", Title: "Example", URL: "https://example.com", Attached: true},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorReplyCarriesMessage(t *testing.T) {
	reply := ErrorReply(3, ErrUpstreamUnavailable)
	if reply.Error == nil {
		t.Fatal("expected error payload")
	}
	if reply.Error.Message != "upstream unavailable" {
		t.Errorf("message = %q, want %q", reply.Error.Message, "upstream unavailable")
	}
	if reply.Result != nil {
		t.Error("error reply must not carry a result")
	}
}

func TestMapErrorMessage(t *testing.T) {
	if err := MapErrorMessage("upstream unavailable"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if err := MapErrorMessage("call timed out"); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	err := MapErrorMessage("Cannot find context with specified id")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if remote.Message != "Cannot find context with specified id" {
		t.Errorf("remote message not preserved: %q", remote.Message)
	}
}
