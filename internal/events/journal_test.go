package events

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardline/internal/domain"
)

func openTestJournal(t *testing.T, cfg Config) *Journal {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	j, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRotatesSegments(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, Config{Directory: dir, MaxEventsPerFile: 3})
	for i := 0; i < 7; i++ {
		require.True(t, j.Submit("write_audit", map[string]any{"i": i}))
	}
	require.NoError(t, j.Close())

	stats := j.Stats()
	assert.Equal(t, int64(9), stats.Submitted)
	assert.Equal(t, int64(9), stats.Written)
	assert.Equal(t, int64(0), stats.Dropped)
	assert.Equal(t, int64(3), stats.SegmentIndex)
	assert.Empty(t, stats.LastError)

	files, err := ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	name := regexp.MustCompile(`^trajectory-\d+-\d{8}\.jsonl$`)
	for _, f := range files {
		assert.Regexp(t, name, filepath.Base(f))
	}
	assert.Equal(t, filepath.Base(files[2]), filepath.Base(stats.ActiveFile))

	all, err := Tail(dir, 0)
	require.NoError(t, err)
	require.Len(t, all, 9)
	assert.Equal(t, TypeJournalStarted, all[0].Type)
	assert.Equal(t, TypeJournalStopping, all[8].Type)
	for i, ev := range all[1:8] {
		assert.Equal(t, "write_audit", ev.Type)
		assert.EqualValues(t, i, ev.Payload["i"])
		assert.NotEmpty(t, ev.ID)
	}
}

func TestJournalSubmitNeverBlocks(t *testing.T) {
	j := openTestJournal(t, Config{QueueSize: 4, WriterDelay: 20 * time.Millisecond})
	const n = 200
	start := time.Now()
	accepted := 0
	for i := 0; i < n; i++ {
		if j.Submit("tick", map[string]any{"i": i}) {
			accepted++
		}
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, time.Second, "submit must not wait for the consumer")
	assert.Less(t, accepted, n)

	require.NoError(t, j.Close())
	stats := j.Stats()
	assert.Equal(t, int64(n+2), stats.Submitted)
	assert.Positive(t, stats.Dropped)
	assert.Equal(t, stats.Submitted-stats.Written, stats.Dropped)
}

func TestJournalConcurrentSubmit(t *testing.T) {
	j := openTestJournal(t, Config{QueueSize: 64})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				j.Submit("tick", nil)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, j.Close())
	stats := j.Stats()
	assert.Equal(t, int64(802), stats.Submitted)
	assert.Equal(t, stats.Submitted, stats.Written+stats.Dropped)
}

func TestJournalSubmitDuringClose(t *testing.T) {
	for round := 0; round < 100; round++ {
		j, err := Open(Config{Directory: t.TempDir(), QueueSize: 16})
		require.NoError(t, err)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 50; i++ {
					j.Submit("tick", nil)
				}
			}()
		}
		close(start)
		require.NoError(t, j.Close())
		wg.Wait()

		stats := j.Stats()
		require.Equal(t, stats.Submitted, stats.Written+stats.Dropped, "round %d: %+v", round, stats)
		require.Zero(t, stats.QueueDepth, "round %d", round)
	}
}

func TestListSegmentsOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"trajectory-1700000000000-100000.jsonl",
		"trajectory-1700000000000-99999.jsonl",
		"trajectory-1700000000000-00002.jsonl",
		"trajectory-1600000000000-00007.jsonl",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
	files, err := ListSegments(dir)
	require.NoError(t, err)
	got := make([]string, len(files))
	for i, f := range files {
		got[i] = filepath.Base(f)
	}
	assert.Equal(t, []string{
		"trajectory-1600000000000-00007.jsonl",
		"trajectory-1700000000000-00002.jsonl",
		"trajectory-1700000000000-99999.jsonl",
		"trajectory-1700000000000-100000.jsonl",
	}, got)
	assert.Equal(t, "trajectory-42-00000003.jsonl", SegmentName("42", 3))
}

func TestJournalSubmitAfterClose(t *testing.T) {
	j := openTestJournal(t, Config{})
	require.NoError(t, j.Close())
	before := j.Stats()
	assert.False(t, j.Submit("late", nil))
	after := j.Stats()
	assert.Equal(t, before.Submitted+1, after.Submitted)
	assert.Equal(t, before.Dropped+1, after.Dropped)
	assert.NoError(t, j.Close())
}

func TestJournalRecordsStorageFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j := openTestJournal(t, Config{Directory: dir, MaxEventsPerFile: 1})
	require.Eventually(t, func() bool { return j.Stats().Written == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))
	assert.True(t, j.Submit("lost", nil))
	require.Eventually(t, func() bool { return j.Stats().Failed >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, j.Stats().LastError)

	require.NoError(t, os.Remove(dir))
	assert.True(t, j.Submit("kept", nil))
	require.Eventually(t, func() bool { return j.Stats().Written == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestTailReturnsMostRecent(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, Config{Directory: dir, MaxEventsPerFile: 2})
	for i := 0; i < 5; i++ {
		j.Submit("step", map[string]any{"i": i})
	}
	require.NoError(t, j.Close())

	last, err := Tail(dir, 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	assert.EqualValues(t, 3, last[0].Payload["i"])
	assert.EqualValues(t, 4, last[1].Payload["i"])
	assert.Equal(t, TypeJournalStopping, last[2].Type)
}

func TestFollowDeliversNewEvents(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, Config{Directory: dir})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, dir, FollowOptions{Interval: 10 * time.Millisecond}, func(ev domain.Event) error {
			got <- ev
			return nil
		})
	}()

	j.Submit("command_result", map[string]any{"command": "Bias_Set"})
	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen["command_result"] {
		select {
		case ev := <-got:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("follow did not deliver event, saw %v", seen)
		}
	}
	assert.True(t, seen[TypeJournalStarted])
	cancel()
	assert.NoError(t, <-done)
}

func TestFollowLeavesPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory-1-00001.jsonl")
	complete := `{"event_id":"a","timestamp_utc":"2024-01-01T00:00:00.000000Z","event_type":"one","payload":{}}` + "\n"
	partial := `{"event_id":"b","timestamp_utc":"2024-01-01T00:00:01.000000Z",`
	require.NoError(t, os.WriteFile(path, []byte(complete+partial), 0o644))

	var types []string
	collect := func(ev domain.Event) error {
		types = append(types, ev.Type)
		return nil
	}
	off, err := followSegment(path, 0, collect)
	require.NoError(t, err)
	assert.Equal(t, int64(len(complete)), off)
	assert.Equal(t, []string{"one"}, types)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`"event_type":"two","payload":{}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = followSegment(path, off, collect)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, types)
}
