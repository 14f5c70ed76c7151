package p2p

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestLoopbackDataChannel(t *testing.T) {
	pm := NewPeerManager(nil)
	defer pm.Close()

	var channelOpened atomic.Bool
	var receivedMsg []byte
	var wg sync.WaitGroup
	wg.Add(1)

	pm.OnChannel(func(viewerID, sessionID string, dc *webrtc.DataChannel) {
		channelOpened.Store(true)
		if viewerID != "viewer-1" {
			t.Errorf("viewer id = %q, want viewer-1", viewerID)
		}
		if sessionID != "test-session" {
			t.Errorf("session id = %q, want test-session", sessionID)
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			receivedMsg = msg.Data
			wg.Done()
		})
	})

	// Browser side: create a PeerConnection and a DataChannel.
	browserPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser PC: %v", err)
	}
	defer browserPC.Close()

	dc, err := browserPC.CreateDataChannel("frames:test-session", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}

	offer, err := browserPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(browserPC)
	if err := browserPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local desc: %v", err)
	}
	<-gatherDone

	// Host side: answer the offer.
	answerSDP, err := pm.HandleOffer("viewer-1", browserPC.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := browserPC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote desc: %v", err)
	}

	// Wait for the channel to open on the browser side, then send.
	dcReady := make(chan struct{})
	dc.OnOpen(func() { close(dcReady) })
	select {
	case <-dcReady:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for data channel to open")
	}

	testMsg := []byte("frame payload")
	if err := dc.Send(testMsg); err != nil {
		t.Fatalf("dc send: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if !channelOpened.Load() {
		t.Error("channel handler was never called")
	}
	if string(receivedMsg) != string(testMsg) {
		t.Errorf("received %q, want %q", receivedMsg, testMsg)
	}
}

func TestRepeatedOfferReplacesPeer(t *testing.T) {
	pm := NewPeerManager(nil)
	defer pm.Close()

	makeOffer := func() string {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			t.Fatalf("PC: %v", err)
		}
		t.Cleanup(func() { pc.Close() })
		if _, err := pc.CreateDataChannel("frames:s1", nil); err != nil {
			t.Fatalf("data channel: %v", err)
		}
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			t.Fatalf("offer: %v", err)
		}
		gatherDone := webrtc.GatheringCompletePromise(pc)
		if err := pc.SetLocalDescription(offer); err != nil {
			t.Fatalf("set local: %v", err)
		}
		<-gatherDone
		return pc.LocalDescription().SDP
	}

	if _, err := pm.HandleOffer("viewer-1", makeOffer()); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	// A second offer from the same viewer replaces the connection
	// instead of leaking it.
	if _, err := pm.HandleOffer("viewer-1", makeOffer()); err != nil {
		t.Fatalf("second offer: %v", err)
	}
	pm.mu.Lock()
	n := len(pm.peers)
	pm.mu.Unlock()
	if n != 1 {
		t.Errorf("peer count = %d, want 1", n)
	}
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	pm := NewPeerManager(nil)
	defer pm.Close()
	if _, err := pm.HandleOffer("viewer-1", "not an sdp"); err == nil {
		t.Fatal("garbage SDP accepted")
	}
}

func TestAddICECandidateUnknownPeer(t *testing.T) {
	pm := NewPeerManager(nil)
	defer pm.Close()
	if err := pm.AddICECandidate("nobody", "candidate:0 1 UDP 1 127.0.0.1 9 typ host"); err == nil {
		t.Fatal("AddICECandidate for unknown peer succeeded")
	}
}

func TestClosePeerRemovesEntry(t *testing.T) {
	pm := NewPeerManager(nil)
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("PC: %v", err)
	}
	pm.mu.Lock()
	pm.peers["v1"] = pc
	pm.mu.Unlock()

	pm.ClosePeer("v1")
	pm.mu.Lock()
	_, ok := pm.peers["v1"]
	pm.mu.Unlock()
	if ok {
		t.Error("peer still registered after ClosePeer")
	}
	pm.ClosePeer("v1") // idempotent
	pm.Close()
}
