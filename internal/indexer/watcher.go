package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// coalesceWindow batches filesystem event bursts before applying them.
const coalesceWindow = time.Second

// queueCapacity bounds the pending-event queue; overflowing events are
// dropped and picked up by the next full rebuild.
const queueCapacity = 1024

type fsEvent struct {
	path   string
	remove bool
}

// Watcher keeps an Index in sync with filesystem changes. Events are
// enqueued into a bounded queue and drained by a single worker that applies
// coalesced batches.
type Watcher struct {
	ix      *Index
	watcher *fsnotify.Watcher
	queue   chan fsEvent
}

// Watch starts watching the index's workspace until ctx is cancelled.
func Watch(ctx context.Context, ix *Index) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{ix: ix, watcher: fsw, queue: make(chan fsEvent, queueCapacity)}

	if err := w.addRecursive(ix.root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.receive(ctx)
	go w.drain(ctx)
	log.Info().Str("root", ix.root).Msg("workspace_watcher_started")
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if shouldIgnoreDir(d.Name()) && path != root {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// receive translates fsnotify events into queue entries, registering watches
// for newly created directories.
func (w *Watcher) receive(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !shouldIgnoreDir(filepath.Base(event.Name)) {
						_ = w.addRecursive(event.Name)
					}
					continue
				}
			}
			ev := fsEvent{path: event.Name, remove: event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)}
			select {
			case w.queue <- ev:
			default:
				log.Warn().Str("path", event.Name).Msg("watch_queue_full_dropping_event")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watcher_error")
		}
	}
}

// drain applies events in coalesced batches: after the first event of a
// burst, everything arriving within the window is folded into one batch.
func (w *Watcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-w.queue:
			batch := map[string]bool{first.path: first.remove}
			timer := time.NewTimer(coalesceWindow)
		collect:
			for {
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case ev := <-w.queue:
					batch[ev.path] = ev.remove
				case <-timer.C:
					break collect
				}
			}
			w.apply(batch)
		}
	}
}

func (w *Watcher) apply(batch map[string]bool) {
	for path, remove := range batch {
		if remove {
			w.ix.Remove(path)
		} else {
			w.ix.Update(path)
		}
	}
	w.ix.saveSnapshot()
	log.Debug().Int("changes", len(batch)).Msg("index_batch_applied")
}
