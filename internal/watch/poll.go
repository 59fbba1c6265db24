package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const defaultPollInterval = 500 * time.Millisecond

// Poll rescans the tree every Interval and diffs modification times and sizes.
type Poll struct {
	Interval time.Duration
}

type fileState struct {
	modTime time.Time
	size    int64
	dir     bool
}

func (p Poll) Watch(ctx context.Context, root string) (Stream, error) {
	prev, err := scan(root)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	s := newStream()
	go runPoll(ctx, root, interval, prev, s)
	return s, nil
}

func runPoll(ctx context.Context, root string, interval time.Duration, prev map[string]fileState, s *stream) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.finish(nil)
			return
		case <-ticker.C:
		}
		next, err := scan(root)
		if errors.Is(err, fs.ErrNotExist) {
			s.send(ctx, Event{Path: root, Kind: Deleted})
			s.finish(nil)
			return
		}
		if err != nil {
			s.finish(fmt.Errorf("watch %s: %w", root, err))
			return
		}
		for _, ev := range diff(prev, next) {
			if !s.send(ctx, ev) {
				s.finish(nil)
				return
			}
		}
		prev = next
	}
}

func scan(root string) (map[string]fileState, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}
	out := map[string]fileState{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() && hidden(d.Name()) {
			return filepath.SkipDir
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		out[path] = fileState{modTime: fi.ModTime(), size: fi.Size(), dir: d.IsDir()}
		return nil
	})
	return out, err
}

func diff(prev, next map[string]fileState) []Event {
	var events []Event
	for path, st := range next {
		old, ok := prev[path]
		switch {
		case !ok:
			events = append(events, Event{Path: path, Kind: Created})
		case !st.dir && (!old.modTime.Equal(st.modTime) || old.size != st.size):
			events = append(events, Event{Path: path, Kind: Modified})
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			events = append(events, Event{Path: path, Kind: Deleted})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Path == events[j].Path {
			return events[i].Kind < events[j].Kind
		}
		return events[i].Path < events[j].Path
	})
	return events
}
