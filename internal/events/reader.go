package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"guardline/internal/domain"
)

// ListSegments returns the journal segment files of dir in write order.
func ListSegments(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "trajectory-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(a, b int) bool {
		ra, ia, oka := segmentKey(matches[a])
		rb, ib, okb := segmentKey(matches[b])
		if !oka || !okb {
			return matches[a] < matches[b]
		}
		if ra != rb {
			return ra < rb
		}
		return ia < ib
	})
	return matches, nil
}

// segmentKey parses the run id and index out of a segment file name.
func segmentKey(path string) (run, idx int64, ok bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "trajectory-"), ".jsonl")
	cut := strings.LastIndexByte(name, '-')
	if cut < 0 {
		return 0, 0, false
	}
	run, err := strconv.ParseInt(name[:cut], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	idx, err = strconv.ParseInt(name[cut+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return run, idx, true
}

// Tail returns the last limit events across the most recent segments, oldest
// first. A limit of zero or less returns every event.
func Tail(dir string, limit int) ([]domain.Event, error) {
	files, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	var chunks [][]domain.Event
	total := 0
	for i := len(files) - 1; i >= 0; i-- {
		evs, err := readSegment(files[i])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, evs)
		total += len(evs)
		if limit > 0 && total >= limit {
			break
		}
	}
	out := make([]domain.Event, 0, total)
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, chunks[i]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func readSegment(path string) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []domain.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if ev, ok := decodeLine(sc.Bytes()); ok {
			out = append(out, ev)
		}
	}
	return out, sc.Err()
}

func decodeLine(line []byte) (domain.Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return domain.Event{}, false
	}
	var ev domain.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return domain.Event{}, false
	}
	return ev, true
}

// FollowOptions configures Follow.
type FollowOptions struct {
	Interval   time.Duration
	StartAtEnd bool
}

// Follow polls dir for new complete lines and calls fn for each event until
// ctx is done or fn returns an error. It only reads files and keeps its own
// per-file offsets; a trailing partial line is left for the next poll.
func Follow(ctx context.Context, dir string, opts FollowOptions, fn func(domain.Event) error) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	offsets := map[string]int64{}
	if opts.StartAtEnd {
		files, err := ListSegments(dir)
		if err != nil {
			return err
		}
		for _, path := range files {
			if st, err := os.Stat(path); err == nil {
				offsets[path] = st.Size()
			}
		}
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		files, err := ListSegments(dir)
		if err != nil {
			return err
		}
		for _, path := range files {
			next, err := followSegment(path, offsets[path], fn)
			offsets[path] = next
			if err != nil {
				return err
			}
		}
		timer.Reset(interval)
	}
}

func followSegment(path string, offset int64, fn func(domain.Event) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return offset, nil
		}
		return offset, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return offset, err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return offset, nil
	}
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		ev, ok := decodeLine(line)
		if !ok {
			continue
		}
		if err := fn(ev); err != nil {
			return offset + int64(end+1), err
		}
	}
	return offset + int64(end+1), nil
}
