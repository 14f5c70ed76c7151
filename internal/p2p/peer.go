// Package p2p offers a WebRTC data channel as an alternative frame
// path: the browser sends an offer, the host answers, and session
// frames are mirrored onto the channel when it opens. Channel failure
// falls back to the WebSocket silently.
package p2p

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/nvloft/nvloft/internal/logger"
)

// ChannelHandler is called when a viewer's data channel opens. The
// label carries the target session as "frames:<session-id>".
type ChannelHandler func(viewerID, sessionID string, dc *webrtc.DataChannel)

// PeerManager holds one peer connection per viewer.
type PeerManager struct {
	mu         sync.Mutex
	peers      map[string]*webrtc.PeerConnection // viewer id → PC
	iceServers []webrtc.ICEServer
	handler    ChannelHandler
}

// NewPeerManager creates a manager. Pass nil for host-only ICE
// (same-LAN connectivity).
func NewPeerManager(iceServers []webrtc.ICEServer) *PeerManager {
	return &PeerManager{
		peers:      make(map[string]*webrtc.PeerConnection),
		iceServers: iceServers,
	}
}

// OnChannel registers the data-channel callback.
func (pm *PeerManager) OnChannel(handler ChannelHandler) {
	pm.mu.Lock()
	pm.handler = handler
	pm.mu.Unlock()
}

// HandleOffer answers a viewer's SDP offer, waiting for ICE gathering
// so the answer embeds the host candidates.
func (pm *PeerManager) HandleOffer(viewerID, sdpOffer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: pm.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	pm.mu.Lock()
	if old, ok := pm.peers[viewerID]; ok {
		old.Close()
	}
	pm.peers[viewerID] = pc
	pm.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		sessionID := strings.TrimPrefix(label, "frames:")
		if sessionID == label {
			sessionID = ""
		}
		dc.OnOpen(func() {
			logger.Info("p2p channel open", "viewer", viewerID, "label", label)
			pm.mu.Lock()
			handler := pm.handler
			pm.mu.Unlock()
			if handler != nil {
				handler(viewerID, sessionID, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("p2p state", "viewer", viewerID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			pm.mu.Lock()
			if pm.peers[viewerID] == pc {
				delete(pm.peers, viewerID)
			}
			pm.mu.Unlock()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return local.SDP, nil
}

// AddICECandidate feeds a trickled candidate from the viewer.
func (pm *PeerManager) AddICECandidate(viewerID, candidate string) error {
	pm.mu.Lock()
	pc := pm.peers[viewerID]
	pm.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no peer connection for viewer %s", viewerID)
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// ClosePeer drops one viewer's connection.
func (pm *PeerManager) ClosePeer(viewerID string) {
	pm.mu.Lock()
	pc := pm.peers[viewerID]
	delete(pm.peers, viewerID)
	pm.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

// Close shuts every peer connection down.
func (pm *PeerManager) Close() {
	pm.mu.Lock()
	peers := pm.peers
	pm.peers = make(map[string]*webrtc.PeerConnection)
	pm.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
