package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/testutil"
)

type collector struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (c *collector) handle(_ context.Context, ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) snapshot() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

func TestDecode_JSONAndYAML(t *testing.T) {
	ev, err := Decode([]byte(`{"id":"evt_1","source":"ci","payload":{"severity":3}}`), ".json")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "ci", ev.Source)
	assert.Contains(t, ev.Payload, "severity")

	ev, err = Decode([]byte("id: evt_2\nsource: pager\npayload:\n  title: disk full\n"), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, "evt_2", ev.ID)
	assert.Equal(t, "disk full", ev.Payload["title"])

	_, err = Decode([]byte("{not json"), ".json")
	assert.Error(t, err)
}

func TestNormalize_FillsMissingFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := model.Event{Processed: true}
	require.NoError(t, Normalize(&ev, "inbox", now))
	assert.True(t, model.ValidateID(ev.ID))
	assert.Equal(t, "inbox", ev.Source)
	assert.Equal(t, now, ev.Timestamp)
	assert.False(t, ev.Processed)

	kept := model.Event{ID: "evt_keep", Source: "ci", Timestamp: now.Add(-time.Hour)}
	require.NoError(t, Normalize(&kept, "inbox", now))
	assert.Equal(t, "evt_keep", kept.ID)
	assert.Equal(t, "ci", kept.Source)
	assert.Equal(t, now.Add(-time.Hour), kept.Timestamp)
}

func TestInboxScan_MovesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id":"evt_a"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: evt_b\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"), []byte(`{broken`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.json"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`x`), 0644))

	c := &collector{}
	inbox := NewInbox(dir, c.handle)
	n, err := inbox.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "evt_a", got[0].ID)
	assert.Equal(t, "evt_b", got[1].ID)
	assert.Equal(t, "inbox", got[0].Source)

	assert.FileExists(t, filepath.Join(dir, processedDir, "a.json"))
	assert.FileExists(t, filepath.Join(dir, processedDir, "b.yaml"))
	assert.FileExists(t, filepath.Join(dir, rejectedDir, "c.json"))
	assert.FileExists(t, filepath.Join(dir, ".partial.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestInboxScan_HandlerErrorLeavesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"evt_a"}`), 0644))

	c := &collector{err: errors.New("store unavailable")}
	inbox := NewInbox(dir, c.handle)
	n, err := inbox.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.FileExists(t, path)

	c.err = nil
	n, err = inbox.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, path)
}

func TestInboxRun_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	inbox := NewInbox(dir, c.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, processedDir))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	tmp := filepath.Join(dir, ".evt.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"id":"evt_live","source":"ci"}`), 0644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "evt.json")))

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "evt_live", c.snapshot()[0].ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("inbox did not stop")
	}
}

func TestNATSSource_DeliversDecodedEvents(t *testing.T) {
	_, nc := testutil.StartNATS(t)
	c := &collector{}
	src := NewNATSSource(nc, "phasegate.events", c.handle)
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(func() { _ = src.Stop() })

	require.NoError(t, nc.Publish("phasegate.events", []byte(`garbage`)))
	require.NoError(t, nc.Publish("phasegate.events", []byte(`{"id":"evt_n","payload":{"title":"x"}}`)))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	got := c.snapshot()[0]
	assert.Equal(t, "evt_n", got.ID)
	assert.Equal(t, "nats:phasegate.events", got.Source)
}

func TestNATSSource_StopWithoutStart(t *testing.T) {
	src := NewNATSSource(nil, "x", func(context.Context, model.Event) error { return nil })
	assert.NoError(t, src.Stop())
}
