package config

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/terminox/agent/internal/logger"
)

// SafeSubset is the part of Config that can be re-applied to a running
// agent without restarting active sessions: allowed shells, environment
// allow/blocklists, and ring buffer caps. Listen address, TLS, auth
// method, and storage paths all require a restart and are intentionally
// excluded.
type SafeSubset struct {
	Shells ShellPolicy
	Env    EnvPolicyConfig
	Ring   RingConfig
}

func safeSubsetOf(cfg Config) SafeSubset {
	return SafeSubset{Shells: cfg.Shells, Env: cfg.Env, Ring: cfg.Ring}
}

// Watcher reloads path on change and invokes onChange with the new safe
// subset. Parse errors and non-safe-subset changes are logged and
// otherwise ignored — the previous in-memory configuration stays live.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(SafeSubset)
	done     chan struct{}
}

// WatchFile starts watching path for changes, calling onChange whenever
// the safe subset differs from what was last applied. The initial load
// is not delivered to onChange; callers should call Load once up front.
func WatchFile(path string, onChange func(SafeSubset)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fsw: fsw, onChange: onChange, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var pending *time.Timer

	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			logger.Log.Warn("config reload failed, keeping previous settings", "path", w.path, "error", err)
			return
		}
		w.onChange(safeSubsetOf(cfg))
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Log.Warn("config watcher error", "path", w.path, "error", err)
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
