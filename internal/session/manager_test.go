package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/ingest"
	"github.com/zsiec/cadence/internal/player"
	"github.com/zsiec/cadence/internal/player/playertest"
)

type clips struct {
	mu     sync.Mutex
	opened []*playertest.Demuxer
}

func (c *clips) open(ctx context.Context, url string) (ingest.Demuxer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := playertest.NewDemuxer(10 * time.Second)
	c.opened = append(c.opened, d)
	return d, nil
}

func (c *clips) all() []*playertest.Demuxer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*playertest.Demuxer(nil), c.opened...)
}

func newTestManager(t *testing.T) (*Manager, *clips) {
	t.Helper()
	c := &clips{}
	decs := &playertest.Decoders{}
	m, err := NewManager(player.Config{
		Audio:       audio.NewManager(audio.DefaultFormat, nil),
		OpenDemuxer: c.open,
		Decoders:    decs.Open,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, c
}

func TestCreateGetRemove(t *testing.T) {
	t.Parallel()
	m, c := newTestManager(t)

	s, err := m.Create(context.Background(), Request{URL: "clip.ts", Paused: true, Mute: true})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	info := s.Info()
	// A starving decoder may report buffering before the queues fill.
	assert.Contains(t, []string{"paused", "buffering"}, info.State)
	assert.Equal(t, int64(10000), info.DurationMs)
	assert.Equal(t, "clip.ts", info.URL)

	require.NoError(t, m.Remove(s.ID))
	require.True(t, c.all()[0].IsClosed())
	require.ErrorIs(t, m.Remove(s.ID), ErrNotFound)
	_, err = m.Get(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, player.Stopped, s.Last().State)
}

func TestCreateFailureNotRegistered(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	_, err := m.Create(context.Background(), Request{URL: ""})
	require.ErrorIs(t, err, player.ErrParameter)
	_, err = m.Create(context.Background(), Request{URL: "clip.ts", StartMS: 60000})
	require.ErrorIs(t, err, player.ErrParameter)
	assert.Empty(t, m.List())
}

func TestListAndClose(t *testing.T) {
	t.Parallel()
	m, c := newTestManager(t)

	ids := map[string]bool{}
	for range 3 {
		s, err := m.Create(context.Background(), Request{URL: "clip.ts", Loop: true})
		require.NoError(t, err)
		ids[s.ID] = true
	}
	list := m.List()
	require.Len(t, list, 3)
	for _, s := range list {
		assert.True(t, ids[s.ID])
	}

	require.NoError(t, m.Close())
	assert.Empty(t, m.List())
	for _, d := range c.all() {
		assert.True(t, d.IsClosed())
	}
}

func TestNewManagerRequiresAudio(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(player.Config{}, nil); err == nil {
		t.Fatal("NewManager without audio = nil error, want error")
	}
}
