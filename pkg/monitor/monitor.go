package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// FileHandler is called for every stable file dropped in a watched folder,
// and for the watched folders themselves on prescan and periodic rescans.
type FileHandler func(ctx context.Context, location string) error

type Config struct {
	// Prescan submits the existing content of a folder when it is added.
	Prescan bool
	// Period between full rescans of the watched folders, 0 disables them.
	Period time.Duration
	// ModificationDelay is how long a file must stay untouched before it
	// is submitted.
	ModificationDelay time.Duration
}

// Monitor watches drop folders and hands new files to a FileHandler once
// they stopped being written.
type Monitor struct {
	watcher *fsnotify.Watcher
	handle  FileHandler
	config  Config

	pathsLock sync.Mutex
	paths     map[string]struct{}

	pendingLock sync.Mutex
	pending     map[string]struct{}

	prescan chan string
}

func NewMonitor(handle FileHandler, config Config) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Monitor{
		watcher: watcher,
		handle:  handle,
		config:  config,
		paths:   map[string]struct{}{},
		pending: map[string]struct{}{},
		prescan: make(chan string, 16),
	}, nil
}

// Run processes watcher events until ctx is done, then closes the watcher.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return m.Close()
	})
	g.Go(func() error {
		m.collect()
		return nil
	})
	g.Go(func() error {
		m.submitStable(ctx)
		return nil
	})
	g.Go(func() error {
		m.rescan(ctx)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close stops the watcher. Run closes it on return.
func (m *Monitor) Close() error {
	return m.watcher.Close()
}

func (m *Monitor) call(ctx context.Context, location string) {
	if err := m.handle(ctx, location); err != nil {
		Logger.Error("cannot handle dropped file", slog.String("file", location), slog.String("error", err.Error()))
	}
}

func (m *Monitor) rescan(ctx context.Context) {
	var tick <-chan time.Time
	if m.config.Period > 0 {
		ticker := time.NewTicker(m.config.Period)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-m.prescan:
			m.call(ctx, path)
		case <-tick:
			for _, path := range m.Paths() {
				m.call(ctx, path)
			}
		}
	}
}

func (m *Monitor) collect() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			Logger.Debug("new event", slog.String("event", event.String()))
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				m.pendingLock.Lock()
				m.pending[event.Name] = struct{}{}
				m.pendingLock.Unlock()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			Logger.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

var (
	ScanFileLoopPause = time.Millisecond * 100
	Since             = time.Since
)

func (m *Monitor) submitStable(ctx context.Context) {
	ticker := time.NewTicker(ScanFileLoopPause)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range m.stable() {
				m.call(ctx, path)
			}
		}
	}
}

// stable pops pending files untouched for at least ModificationDelay.
// Vanished files are forgotten.
func (m *Monitor) stable() (ready []string) {
	m.pendingLock.Lock()
	defer m.pendingLock.Unlock()
	for path := range m.pending {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			delete(m.pending, path)
		case info.IsDir():
			delete(m.pending, path)
		case Since(info.ModTime()) > m.config.ModificationDelay:
			delete(m.pending, path)
			ready = append(ready, path)
		}
	}
	return
}

func (m *Monitor) Add(path string) error {
	if err := m.watcher.Add(path); err != nil {
		return err
	}
	m.pathsLock.Lock()
	m.paths[path] = struct{}{}
	m.pathsLock.Unlock()
	if m.config.Prescan {
		go func() {
			m.prescan <- path
		}()
	}
	return nil
}

func (m *Monitor) Remove(path string) error {
	m.pathsLock.Lock()
	delete(m.paths, path)
	m.pathsLock.Unlock()
	return m.watcher.Remove(path)
}

func (m *Monitor) Paths() (paths []string) {
	m.pathsLock.Lock()
	defer m.pathsLock.Unlock()
	for path := range m.paths {
		paths = append(paths, path)
	}
	return
}
