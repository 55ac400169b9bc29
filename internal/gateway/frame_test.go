package gateway

import (
	"encoding/json"
	"testing"
)

func TestNewOKFrameShape(t *testing.T) {
	f := newOKFrame("req-1", mustMarshal(map[string]int{"n": 1}))
	if f.Type != FrameRes || f.ID != "req-1" || !f.OK || f.Error != nil {
		t.Fatalf("unexpected ok frame: %+v", f)
	}
}

func TestNewAcceptedFrameCarriesStatus(t *testing.T) {
	f := newAcceptedFrame("req-1", mustMarshal(map[string]int{"n": 1}))
	if f.Status != StatusAccepted || !f.OK {
		t.Fatalf("expected an accepted status marker, got %+v", f)
	}
}

func TestNewErrFrameShape(t *testing.T) {
	f := newErrFrame("req-1", NewRouterError(ErrCodeNotFound, "no such thing"))
	if f.OK {
		t.Fatal("expected an error frame to carry ok=false")
	}
	if f.Error == nil || f.Error.Code != ErrCodeNotFound || f.Error.Message != "no such thing" {
		t.Fatalf("unexpected error frame: %+v", f.Error)
	}
}

func TestNewEventFrameCarriesSeq(t *testing.T) {
	f := newEventFrame("tick", mustMarshal(map[string]int{"atMs": 1}), 7)
	if f.Type != FrameEvent || f.Event != "tick" || f.Seq != 7 {
		t.Fatalf("unexpected event frame: %+v", f)
	}
}

func TestFrameRoundTripsThroughJSON(t *testing.T) {
	f := newOKFrame("abc", mustMarshal(map[string]string{"hello": "world"}))
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != FrameRes || decoded.ID != "abc" || !decoded.OK {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
	var payload map[string]string
	if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["hello"] != "world" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRouterErrorMessage(t *testing.T) {
	err := NewRouterError(ErrCodeRateLimited, "slow down")
	if err.Error() != "rate-limited: slow down" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}
