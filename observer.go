// Observer bus: typed lifecycle/media notifications for external
// collaborators (stats, recording hooks, latency-aware players). Grounded on
// the Subscriber/Broadcaster interface pair used to fan media out to players,
// but kept as a separate listener-registration bus rather than the stream
// registry — a listener never participates in fan-out, it only watches it.

package main

import "sync"

// AudioMeta is parsed from an AAC sequence header (AudioSpecificConfig).
type AudioMeta struct {
	ObjectType      byte
	SampleRateIndex byte
	SampleRate      int
	ChannelConfig   byte
}

// VideoMeta is parsed from an AVC or HEVC decoder configuration record.
type VideoMeta struct {
	Codec   string // "avc" or "hevc"
	Profile byte
	Level   byte
	Width   int
	Height  int
}

// Observer receives the five lifecycle/media events a publishing or playing
// session can produce. Implementations must not block for long: dispatch is
// synchronous on the session's read path.
type Observer interface {
	OnPublishStart(path string, sessionID uint64)
	OnPublishStop(path string, sessionID uint64, reason string)
	OnAudioBuffer(sessionID uint64, payload []byte, meta *AudioMeta)
	OnVideoBuffer(sessionID uint64, payload []byte, meta *VideoMeta)
	OnTargetLatencyHint(sessionID uint64, videoMs int, audioMs int)
}

// ObserverBus is an unordered set of listeners, owned by the server instance.
type ObserverBus struct {
	mu        sync.RWMutex
	observers []Observer
}

func NewObserverBus() *ObserverBus {
	return &ObserverBus{observers: make([]Observer, 0)}
}

func (b *ObserverBus) Register(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *ObserverBus) snapshot() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, len(b.observers))
	copy(out, b.observers)
	return out
}

// dispatch recovers from a panicking listener so one bad observer never
// brings down the session driving the event.
func dispatch(fn func(o Observer)) func(o Observer) {
	return func(o Observer) {
		defer func() {
			if r := recover(); r != nil {
				LogWarning("observer panicked, recovered")
			}
		}()
		fn(o)
	}
}

func (b *ObserverBus) PublishStart(path string, sessionID uint64) {
	f := dispatch(func(o Observer) { o.OnPublishStart(path, sessionID) })
	for _, o := range b.snapshot() {
		f(o)
	}
}

func (b *ObserverBus) PublishStop(path string, sessionID uint64, reason string) {
	f := dispatch(func(o Observer) { o.OnPublishStop(path, sessionID, reason) })
	for _, o := range b.snapshot() {
		f(o)
	}
}

func (b *ObserverBus) AudioBuffer(sessionID uint64, payload []byte, meta *AudioMeta) {
	f := dispatch(func(o Observer) { o.OnAudioBuffer(sessionID, payload, meta) })
	for _, o := range b.snapshot() {
		f(o)
	}
}

func (b *ObserverBus) VideoBuffer(sessionID uint64, payload []byte, meta *VideoMeta) {
	f := dispatch(func(o Observer) { o.OnVideoBuffer(sessionID, payload, meta) })
	for _, o := range b.snapshot() {
		f(o)
	}
}

func (b *ObserverBus) TargetLatencyHint(sessionID uint64, videoMs int, audioMs int) {
	f := dispatch(func(o Observer) { o.OnTargetLatencyHint(sessionID, videoMs, audioMs) })
	for _, o := range b.snapshot() {
		f(o)
	}
}
