package joblog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// follow tails the log at path from line since, passing new lines to fn
// until ctx is done. File change notifications trigger reads; a ticker
// covers filesystems where notifications are unavailable.
func follow(ctx context.Context, path string, since int, poll time.Duration, fn func(line int, text string), logger zerolog.Logger) {
	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		} else {
			logger.Debug().Err(err).Str("path", path).Msg("watch unavailable, polling job log")
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	offset := since
	read := func() {
		res, err := Tail(path, offset, "")
		if err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("tail failed")
			return
		}
		for i, line := range res.Lines {
			fn(offset+i+1, line)
		}
		offset = res.LastLine
	}

	read()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				read()
			}
		case <-ticker.C:
			read()
		}
	}
}
