package pyenv

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// envWatcher reports removals and renames inside watched environments.
type envWatcher struct {
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	once     sync.Once
	onChange func(path string)
	logger   *logger.Logger

	mu      sync.Mutex
	watched map[string]bool
}

func newEnvWatcher(onChange func(string), log *logger.Logger) (*envWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ew := &envWatcher{
		watcher:  w,
		stop:     make(chan struct{}),
		onChange: onChange,
		logger:   log,
		watched:  make(map[string]bool),
	}
	go ew.loop()
	return ew, nil
}

func (w *envWatcher) add(dirs ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, dir := range dirs {
		if w.watched[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.watched[dir] = true
	}
	return nil
}

func (w *envWatcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			delete(w.watched, event.Name)
			w.mu.Unlock()
			w.onChange(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("environment watcher error: %v", err)
		}
	}
}

func (w *envWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	return err
}

func (m *Manager) watch(env *Environment) error {
	m.mu.Lock()
	if m.watcher == nil {
		w, err := newEnvWatcher(m.Forget, m.logger)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.watcher = w
	}
	w := m.watcher
	m.mu.Unlock()

	return w.add(env.Root, env.BinDir())
}
