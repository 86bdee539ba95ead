package webrtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(nil, 1)
	defer s.Close()

	if _, err := s.HandleOffer([]byte(`{not json`)); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := s.HandleOffer([]byte(`{"type":"answer","sdp":"v=0"}`)); err == nil || !strings.Contains(err.Error(), "offer") {
		t.Fatalf("answer accepted as offer: %v", err)
	}
	if s.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d", s.ClientCount())
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	s := NewServer(nil, 1)
	s.Broadcast([]byte(`{"type":"detection_update"}`))
	if len(s.ClientStats()) != 0 {
		t.Fatalf("unexpected clients")
	}
	s.RemoveClient("missing")
}

func TestDialFailsOnSignallingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maximum clients reached", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	if tr.Name() != "webrtc" {
		t.Fatalf("Name = %q", tr.Name())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := tr.Dial(ctx, srv.URL+"/api/webrtc/offer"); err == nil {
		t.Fatalf("Dial should fail when the offer is rejected")
	}
}
