package gateway

import (
	"net/url"
)

// ConnRequest is what the handshake extracts from the connection URL.
type ConnRequest struct {
	// SessionID is set for resume-or-new attach; empty means new.
	SessionID string
	// ViewID is set for read-only viewer attach.
	ViewID string
	// ShareToken is set when attaching through a share link; the link
	// resolves to the target session and its read-only flag.
	ShareToken string
	// ForceNew is set by session=new.
	ForceNew bool
	// Context is the opaque working-directory hint.
	Context string
}

// ParseConnRequest reads the share/view/session/context query
// parameters. A share token outranks view, which outranks session.
func ParseConnRequest(query url.Values) ConnRequest {
	req := ConnRequest{Context: query.Get("context")}
	if token := query.Get("share"); token != "" {
		req.ShareToken = token
		return req
	}
	if view := query.Get("view"); view != "" {
		req.ViewID = view
		return req
	}
	switch session := query.Get("session"); session {
	case "":
	case "new":
		req.ForceNew = true
	default:
		req.SessionID = session
	}
	return req
}
