package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Track is one audio producer. Pull fills buf with the device format and
// is called from the device goroutine; now is the wall time of the pull
// in seconds.
type Track interface {
	Pull(buf []int16, now float64)
}

// Manager mixes every registered track into the device output. Volume,
// mute and the selected device are single atomic words so the device
// goroutine never takes the registration lock for them.
type Manager struct {
	log    *slog.Logger
	format Format

	mu      sync.Mutex
	tracks  map[int]Track
	nextID  int
	scratch []int16
	mix     []int32

	volume atomic.Int32
	muted  atomic.Bool
	device atomic.Pointer[string]
}

// NewManager creates a manager for format at full volume.
func NewManager(format Format, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:    log.With("component", "audio-manager"),
		format: format,
		tracks: make(map[int]Track),
	}
	m.volume.Store(MaxVolume)
	dev := "default"
	m.device.Store(&dev)
	return m
}

// Format returns the device format.
func (m *Manager) Format() Format { return m.format }

// Register adds a track and returns the function that removes it.
func (m *Manager) Register(t Track) (unregister func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.tracks[id] = t
	n := len(m.tracks)
	m.mu.Unlock()
	m.log.Debug("track registered", "id", id, "tracks", n)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.tracks, id)
			m.mu.Unlock()
			m.log.Debug("track unregistered", "id", id)
		})
	}
}

// Tracks returns the number of registered tracks.
func (m *Manager) Tracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// SetVolume sets the output volume, clamped to [0, MaxVolume].
func (m *Manager) SetVolume(v int) {
	m.volume.Store(int32(max(0, min(v, MaxVolume))))
}

// Volume returns the output volume.
func (m *Manager) Volume() int { return int(m.volume.Load()) }

// SetMute mutes or unmutes the device output.
func (m *Manager) SetMute(mute bool) { m.muted.Store(mute) }

// Muted reports whether the output is muted.
func (m *Manager) Muted() bool { return m.muted.Load() }

// SetDevice selects the output device by id.
func (m *Manager) SetDevice(id string) {
	m.device.Store(&id)
	m.log.Info("output device selected", "device", id)
}

// Device returns the selected device id.
func (m *Manager) Device() string { return *m.device.Load() }

// Pull fills buf with the mix of every track.
func (m *Manager) Pull(buf []int16, now float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cap(m.mix) < len(buf) {
		m.mix = make([]int32, len(buf))
		m.scratch = make([]int16, len(buf))
	}
	mix := m.mix[:len(buf)]
	scratch := m.scratch[:len(buf)]
	clear(mix)
	for _, t := range m.tracks {
		clear(scratch)
		t.Pull(scratch, now)
		for i, s := range scratch {
			mix[i] += int32(s)
		}
	}

	if m.muted.Load() {
		clear(buf)
		return
	}
	vol := m.volume.Load()
	for i, s := range mix {
		if vol != MaxVolume {
			s = s * vol / MaxVolume
		}
		buf[i] = Saturate(s)
	}
}
