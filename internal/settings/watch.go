package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a settings file. Invalid contents keep the last
// good settings; the error is reported through OnError.
type Watcher struct {
	path     string
	onChange func(Settings)
	onError  func(error)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

type WatchOptions struct {
	Path     string
	OnChange func(Settings)
	OnError  func(error)
}

// Watch loads the file once, then follows write/create/rename events in
// its directory. Watching the directory instead of the file keeps the
// watch alive across editors that replace the file on save.
func Watch(ctx context.Context, opts WatchOptions) (*Watcher, Settings, error) {
	if opts.Path == "" || opts.OnChange == nil {
		return nil, Settings{}, ErrInvalidSettings
	}
	initial, err := Load(opts.Path)
	if err != nil {
		return nil, Settings{}, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, Settings{}, err
	}
	if err := fsWatcher.Add(filepath.Dir(opts.Path)); err != nil {
		_ = fsWatcher.Close()
		return nil, Settings{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:     opts.Path,
		onChange: opts.OnChange,
		onError:  opts.OnError,
		watcher:  fsWatcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w, initial, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	// Debounce bursts from editors writing in several syscalls.
	var lastReload time.Time
	debounceWindow := 50 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			now := time.Now()
			if now.Sub(lastReload) < debounceWindow {
				continue
			}
			lastReload = now
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) reload() {
	loaded, err := Load(w.path)
	if err != nil {
		w.reportError(err)
		return
	}
	w.onChange(loaded)
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}
