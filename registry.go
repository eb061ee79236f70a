// Stream registry: tracks which channel is publishing, who is allowed to
// play it, and the set of sessions currently attached. Extracted from the
// teacher's RTMPServer so the publisher/player bookkeeping can be reused
// without dragging in the listener/accept-loop concerns (those live in
// server.go now).

package main

import (
	"crypto/subtle"
	"sync"

	"github.com/pkg/errors"
)

var ErrInvalidKey = errors.New("rtmp: invalid stream key")

// RTMPChannel is one published (or about-to-be-published) stream path:
// its current key, the allocated stream_id, who is publishing it, and the
// set of sessions attached as players.
type RTMPChannel struct {
	channel       string
	key           string
	stream_id     string
	publisher     uint64
	is_publishing bool
	players       map[uint64]bool
}

// StreamRegistry is the server-wide channel/session directory. All methods
// are safe for concurrent use; a single coarse mutex guards both maps,
// matching the teacher's choice of simplicity over per-channel locking —
// publish/play churn is low relative to media throughput, which never
// touches the registry.
type StreamRegistry struct {
	mutex           sync.Mutex
	sessions        map[uint64]*RTMPSession
	channels        map[string]*RTMPChannel
	next_session_id uint64
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		sessions:        make(map[uint64]*RTMPSession),
		channels:        make(map[string]*RTMPChannel),
		next_session_id: 1,
	}
}

func (r *StreamRegistry) NextSessionID() uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id := r.next_session_id
	r.next_session_id++
	return id
}

func (r *StreamRegistry) AddSession(s *RTMPSession) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.sessions[s.id] = s
}

func (r *StreamRegistry) RemoveSession(id uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.sessions, id)
}

// GetSession resolves a live session by id, or nil if it already closed.
func (r *StreamRegistry) GetSession(id uint64) *RTMPSession {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.sessions[id]
}

func (r *StreamRegistry) AllSessions() []*RTMPSession {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]*RTMPSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *StreamRegistry) isPublishing(channel string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.channels[channel] != nil && r.channels[channel].is_publishing
}

func (r *StreamRegistry) GetPublisher(channel string) *RTMPSession {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := r.channels[channel]
	if c == nil || !c.is_publishing {
		return nil
	}
	return r.sessions[c.publisher]
}

func (r *StreamRegistry) SetPublisher(channel string, key string, stream_id string, s *RTMPSession) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := r.channels[channel]
	if c != nil && c.is_publishing {
		return false
	}

	if c == nil {
		r.channels[channel] = &RTMPChannel{
			channel:       channel,
			key:           key,
			stream_id:     stream_id,
			is_publishing: true,
			publisher:     s.id,
			players:       make(map[uint64]bool),
		}
		return true
	}

	c.key = key
	c.stream_id = stream_id
	c.is_publishing = true
	c.publisher = s.id
	return true
}

func (r *StreamRegistry) RemovePublisher(channel string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := r.channels[channel]
	if c == nil {
		return
	}

	c.publisher = 0
	c.is_publishing = false

	for sid := range c.players {
		if p := r.sessions[sid]; p != nil {
			p.isIdling = true
			p.isPlaying = false
		}
	}

	if !c.is_publishing && len(c.players) == 0 {
		delete(r.channels, channel)
	}
}

// KillAllActivePublishers stops every session currently publishing, used
// when the control-server connection comes up and needs to reconcile local
// state with the authoritative remote view (a publisher this process
// thought was active may have already been rejected or reassigned
// elsewhere while the connection was down).
func (r *StreamRegistry) KillAllActivePublishers() {
	r.mutex.Lock()
	publishers := make([]*RTMPSession, 0)
	for _, c := range r.channels {
		if c.is_publishing {
			if p := r.sessions[c.publisher]; p != nil {
				publishers = append(publishers, p)
			}
		}
	}
	r.mutex.Unlock()

	for _, p := range publishers {
		p.Kill()
	}
}

func (r *StreamRegistry) GetIdlePlayers(channel string) []*RTMPSession {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := r.channels[channel]
	if c == nil {
		return make([]*RTMPSession, 0)
	}

	out := make([]*RTMPSession, 0)
	for sid := range c.players {
		if p := r.sessions[sid]; p != nil && p.isIdling {
			out = append(out, p)
		}
	}
	return out
}

func (r *StreamRegistry) GetPlayers(channel string) []*RTMPSession {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := r.channels[channel]
	if c == nil {
		return make([]*RTMPSession, 0)
	}

	out := make([]*RTMPSession, 0)
	for sid := range c.players {
		if p := r.sessions[sid]; p != nil && p.isPlaying {
			out = append(out, p)
		}
	}
	return out
}

func (r *StreamRegistry) AddPlayer(channel string, key string, s *RTMPSession) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := r.channels[channel]
	if c == nil {
		c = &RTMPChannel{
			channel:       channel,
			is_publishing: false,
			players:       make(map[uint64]bool),
		}
		r.channels[channel] = c
	}

	if c.is_publishing {
		if subtle.ConstantTimeCompare([]byte(key), []byte(c.key)) == 1 {
			s.isIdling = false
		} else {
			return false, ErrInvalidKey
		}
	} else {
		s.isIdling = true
	}

	c.players[s.id] = true
	return s.isIdling, nil
}

func (r *StreamRegistry) RemovePlayer(channel string, s *RTMPSession) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := r.channels[channel]
	if c == nil {
		return
	}

	delete(c.players, s.id)
	s.isIdling = false
	s.isPlaying = false

	if !c.is_publishing && len(c.players) == 0 {
		delete(r.channels, channel)
	}
}
