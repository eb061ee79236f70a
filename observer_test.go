package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	started []string
	stopped []string
	hints   [][2]int
}

func (r *recordingObserver) OnPublishStart(path string, sessionID uint64) {
	r.started = append(r.started, path)
}
func (r *recordingObserver) OnPublishStop(path string, sessionID uint64, reason string) {
	r.stopped = append(r.stopped, path+":"+reason)
}
func (r *recordingObserver) OnAudioBuffer(sessionID uint64, payload []byte, meta *AudioMeta) {}
func (r *recordingObserver) OnVideoBuffer(sessionID uint64, payload []byte, meta *VideoMeta) {}
func (r *recordingObserver) OnTargetLatencyHint(sessionID uint64, videoMs int, audioMs int) {
	r.hints = append(r.hints, [2]int{videoMs, audioMs})
}

type panickingObserver struct{}

func (panickingObserver) OnPublishStart(path string, sessionID uint64) { panic("boom") }
func (panickingObserver) OnPublishStop(path string, sessionID uint64, reason string) {}
func (panickingObserver) OnAudioBuffer(sessionID uint64, payload []byte, meta *AudioMeta)  {}
func (panickingObserver) OnVideoBuffer(sessionID uint64, payload []byte, meta *VideoMeta)  {}
func (panickingObserver) OnTargetLatencyHint(sessionID uint64, videoMs int, audioMs int)   {}

func TestObserverBusDispatchesToAllListeners(t *testing.T) {
	bus := NewObserverBus()
	rec := &recordingObserver{}
	bus.Register(rec)

	bus.PublishStart("live/a", 1)
	bus.PublishStop("live/a", 1, "unpublish")

	require.Equal(t, []string{"live/a"}, rec.started)
	require.Equal(t, []string{"live/a:unpublish"}, rec.stopped)
}

func TestObserverBusRecoversFromPanickingListener(t *testing.T) {
	bus := NewObserverBus()
	bus.Register(panickingObserver{})
	rec := &recordingObserver{}
	bus.Register(rec)

	require.NotPanics(t, func() {
		bus.PublishStart("live/b", 2)
	})

	// The listener registered after the panicking one must still run.
	require.Equal(t, []string{"live/b"}, rec.started)
}

func TestObserverBusDeliversTargetLatencyHints(t *testing.T) {
	bus := NewObserverBus()
	rec := &recordingObserver{}
	bus.Register(rec)

	bus.TargetLatencyHint(3, 2000, 1500)

	require.Equal(t, [][2]int{{2000, 1500}}, rec.hints)
}
