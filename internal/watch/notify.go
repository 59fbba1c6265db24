package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Notify is the native notification source.
type Notify struct{}

func (Notify) Watch(ctx context.Context, root string) (Stream, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if _, err := addTree(w, root); err != nil {
		_ = w.Close()
		return nil, err
	}
	s := newStream()
	go runNotify(ctx, w, root, s)
	return s, nil
}

func runNotify(ctx context.Context, w *fsnotify.Watcher, root string, s *stream) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			s.finish(nil)
			return
		case err, ok := <-w.Errors:
			if !ok {
				s.finish(nil)
				return
			}
			s.finish(fmt.Errorf("watch %s: %w", root, err))
			return
		case raw, ok := <-w.Events:
			if !ok {
				s.finish(nil)
				return
			}
			ev := translate(raw)
			if !s.send(ctx, ev) {
				s.finish(nil)
				return
			}
			if ev.Kind == Deleted && ev.Path == root {
				s.finish(nil)
				return
			}
			if ev.Kind != Created {
				continue
			}
			// Files may land in a new directory before its watch exists.
			added, err := addTree(w, ev.Path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.finish(err)
				return
			}
			for _, path := range added {
				if !s.send(ctx, Event{Path: path, Kind: Created}) {
					s.finish(nil)
					return
				}
			}
		}
	}
}

func translate(raw fsnotify.Event) Event {
	path := filepath.Clean(raw.Name)
	switch {
	case raw.Has(fsnotify.Create):
		return Event{Path: path, Kind: Created}
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		return Event{Path: path, Kind: Deleted}
	case raw.Has(fsnotify.Write):
		return Event{Path: path, Kind: Modified}
	default:
		return Event{Path: path, Kind: Other}
	}
}

// addTree watches dir and every non-hidden directory below it. It returns the
// files found under newly added subdirectories.
func addTree(w *fsnotify.Watcher, dir string) ([]string, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, nil
	}
	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, path)
			return nil
		}
		if path != dir && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
	return files, err
}
