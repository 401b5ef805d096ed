package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rulecore/internal/logging"
)

// Monitor periodically compares the repository's freshness token against the
// last seen token and reloads the registry when they differ. It can
// additionally watch a rules file through fsnotify so file-backend changes
// reload faster than the polling interval. The monitor is cooperative: it
// can be started, stopped, and triggered on demand.
type Monitor struct {
	registry *Registry
	interval time.Duration
	watch    string // optional file path for fsnotify

	mu        sync.Mutex
	running   bool
	lastToken string

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewMonitor builds a monitor for the registry. watchPath may be empty to
// disable file watching; interval <= 0 disables polling (trigger-only).
func NewMonitor(reg *Registry, interval time.Duration, watchPath string) *Monitor {
	return &Monitor{
		registry:  reg,
		interval:  interval,
		watch:     watchPath,
		triggerCh: make(chan struct{}, 1),
	}
}

// Start launches the monitor goroutine. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	var watcher *fsnotify.Watcher
	if m.watch != "" {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Add(m.watch); err != nil {
			watcher.Close()
			return err
		}
	}

	m.running = true
	m.registry.monitoring.Store(true)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	if tok, err := m.registry.repo.FreshnessToken(ctx); err == nil {
		m.lastToken = tok
	}

	go m.run(watcher)
	logging.Get(logging.CategoryMonitor).Info(
		"reload monitor started (interval=%v watch=%q)", m.interval, m.watch)
	return nil
}

// Stop halts the monitor and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.registry.monitoring.Store(false)
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
	logging.Get(logging.CategoryMonitor).Info("reload monitor stopped")
}

// TriggerNow requests an immediate freshness check. Non-blocking; redundant
// triggers coalesce.
func (m *Monitor) TriggerNow() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// Running reports whether the monitor goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(watcher *fsnotify.Watcher) {
	defer close(m.doneCh)
	if watcher != nil {
		defer watcher.Close()
	}

	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	// Debounce window for bursts of file events (editors write twice).
	const debounce = 200 * time.Millisecond
	var pending *time.Timer
	var pendingCh <-chan time.Time

	for {
		select {
		case <-m.stopCh:
			return
		case <-tick:
			m.checkAndReload()
		case <-m.triggerCh:
			m.checkAndReload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.Get(logging.CategoryMonitor).Debug("file event %s on %s", ev.Op, ev.Name)
			if pending == nil {
				pending = time.NewTimer(debounce)
				pendingCh = pending.C
			} else {
				pending.Reset(debounce)
			}
		case <-pendingCh:
			pending = nil
			pendingCh = nil
			m.checkAndReload()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logging.Get(logging.CategoryMonitor).Error("watcher error: %v", err)
		}
	}
}

// checkAndReload reloads the registry when the repository token moved.
func (m *Monitor) checkAndReload() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := m.registry.repo.FreshnessToken(ctx)
	if err != nil {
		logging.Get(logging.CategoryMonitor).Error("freshness check failed: %v", err)
		return
	}

	m.mu.Lock()
	unchanged := token == m.lastToken
	m.mu.Unlock()
	if unchanged {
		return
	}

	if err := m.registry.Reload(ctx); err != nil {
		logging.Get(logging.CategoryMonitor).Error("triggered reload failed: %v", err)
		return
	}
	m.mu.Lock()
	m.lastToken = token
	m.mu.Unlock()
}
