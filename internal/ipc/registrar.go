package ipc

import (
	"context"
	"sync"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// Attachment is one currently-registered application as the routing manager
// sees it: its assigned client_id, the endpoint name it registered with, and
// the Session used to reach it.
type Attachment struct {
	ClientID uint16
	Name     string
	Session  *Session
}

// Registrar tracks attached applications and assigns client_ids, the
// routing-manager side of REGISTER_APPLICATION/DEREGISTER_APPLICATION/
// APPLICATION_LOST (spec §4.3).
//
// Generalizes the teacher's internal/responder.Registry (sync.RWMutex
// guarded map with duplicate-rejection) from one container keyed by instance
// name to client_id assignment plus peer enumeration.
type Registrar struct {
	mu         sync.RWMutex
	byClientID map[uint16]*Attachment
	nextAutoID uint16
}

// NewRegistrar returns an empty Registrar. Client IDs are assigned starting
// at 1; 0 is reserved for "unassigned".
func NewRegistrar() *Registrar {
	return &Registrar{
		byClientID: make(map[uint16]*Attachment),
		nextAutoID: 1,
	}
}

// Register assigns requested (if nonzero and free) or the next free
// client_id to name's attachment, spec §4.3's REGISTER_APPLICATION flow.
func (r *Registrar) Register(requested uint16, name string, session *Session) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := requested
	if id == 0 {
		id = r.allocateLocked()
	} else if _, taken := r.byClientID[id]; taken {
		id = r.allocateLocked()
	}

	r.byClientID[id] = &Attachment{ClientID: id, Name: name, Session: session}
	return id, nil
}

func (r *Registrar) allocateLocked() uint16 {
	for {
		id := r.nextAutoID
		r.nextAutoID++
		if r.nextAutoID == 0 {
			r.nextAutoID = 1 // wrap past the reserved 0 value
		}
		if _, taken := r.byClientID[id]; !taken {
			return id
		}
	}
}

// Deregister removes clientID's attachment.
func (r *Registrar) Deregister(clientID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byClientID, clientID)
}

// Peers returns every attachment other than exclude, for an
// APPLICATION_INFO catch-up enumeration.
func (r *Registrar) Peers(exclude uint16) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.byClientID))
	for id, att := range r.byClientID {
		if id == exclude {
			continue
		}
		out = append(out, PeerInfo{ClientID: id, Name: att.Name})
	}
	return out
}

// Lookup returns clientID's attachment, if any.
func (r *Registrar) Lookup(clientID uint16) (*Attachment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	att, ok := r.byClientID[clientID]
	return att, ok
}

// Broadcast sends cmd/payload to every attached application's session
// except exclude (0 broadcasts to all), used for APPLICATION_LOST and
// ROUTING_STATE fan-out.
func (r *Registrar) Broadcast(cmd Command, payload []byte, exclude uint16) {
	r.mu.RLock()
	attachments := make([]*Attachment, 0, len(r.byClientID))
	for id, att := range r.byClientID {
		if id == exclude {
			continue
		}
		attachments = append(attachments, att)
	}
	r.mu.RUnlock()

	for _, att := range attachments {
		if att.Session == nil {
			continue
		}
		_, _ = att.Session.Send(context.Background(), att.ClientID, cmd, payload)
	}
}

// ErrUnknownClient is returned when an operation references a client_id the
// Registrar has no attachment for.
var ErrUnknownClient = &someiperrors.StateError{Kind: someiperrors.StateNotRouting, Operation: "ipc registrar", Details: "unknown client_id"}
