package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// BuildFunc composes a fresh Handler, typically re-reading configuration
// such as a signing certificate file.
type BuildFunc func(ctx context.Context) (*Handler, error)

// Reloader serves through the most recently built Handler and rebuilds it
// whenever one of the watched files changes. Trust material stays immutable
// within each Handler; rotation replaces the whole pipeline. A failed
// rebuild keeps the previous Handler in service.
type Reloader struct {
	build BuildFunc
	log   *slog.Logger
	cur   atomic.Pointer[Handler]
	swaps atomic.Int64

	watcher   *fsnotify.Watcher
	names     map[string]struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewReloader builds the first Handler and starts watching files. The
// watch stops when ctx is done or Close is called.
func NewReloader(ctx context.Context, build BuildFunc, log *slog.Logger, files ...string) (*Reloader, error) {
	if build == nil {
		return nil, errors.New("build function is required")
	}
	if len(files) == 0 {
		return nil, errors.New("at least one file to watch is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h, err := build(ctx)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	r := &Reloader{build: build, log: log, watcher: w, names: map[string]struct{}{}, done: make(chan struct{})}
	r.cur.Store(h)

	// Directories are watched rather than files so that atomic
	// rename-into-place updates are observed.
	dirs := map[string]struct{}{}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			_ = w.Close()
			_ = h.Close()
			return nil, err
		}
		r.names[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			_ = h.Close()
			return nil, fmt.Errorf("fsnotify watch %s: %w", d, err)
		}
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return r, nil
}

// ServeHTTP delegates to the current Handler.
func (r *Reloader) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.cur.Load().ServeHTTP(w, req)
}

// Current returns the Handler in service.
func (r *Reloader) Current() *Handler { return r.cur.Load() }

// Reloads reports how many times the Handler has been replaced.
func (r *Reloader) Reloads() int64 { return r.swaps.Load() }

// Reload rebuilds the Handler now.
func (r *Reloader) Reload(ctx context.Context) error {
	h, err := r.build(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "tokenauth.reload.fail", slog.String("err", err.Error()))
		return err
	}
	old := r.cur.Swap(h)
	r.swaps.Add(1)
	r.log.InfoContext(ctx, "tokenauth.reload.ok")
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close stops watching and closes the current Handler.
func (r *Reloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		err = errors.Join(r.watcher.Close(), r.cur.Load().Close())
	})
	return err
}

func (r *Reloader) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, ok := r.names[abs]; !ok {
				continue
			}
			_ = r.Reload(ctx)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.DebugContext(ctx, "fsnotify.error", slog.String("err", err.Error()))
		}
	}
}
