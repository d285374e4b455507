// Package watchconfig hot-reloads a reactor.Config from disk whenever
// its backing YAML file changes, using fsnotify — the same library
// the retrieval pack's filesystem-watch code (Orizon's vfs package)
// builds on for change notification.
package watchconfig

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/xmppd/reactor"
)

// Watcher reloads path into the reactor via setConfig whenever the
// underlying file is written or replaced (editors commonly replace
// rather than truncate-and-write, which fsnotify reports as Remove
// followed by Create; both are treated as "reload").
type Watcher struct {
	fsw       *fsnotify.Watcher
	path      string
	envPrefix string
	setConfig func(reactor.Config)
	log       *logrus.Entry
	done      chan struct{}
}

// New starts watching path for changes. setConfig is called with the
// freshly loaded Config on every detected change; load errors are
// logged and the previous Config is left installed.
func New(path, envPrefix string, setConfig func(reactor.Config), log *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:       fsw,
		path:      path,
		envPrefix: envPrefix,
		setConfig: setConfig,
		log:       log,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			cfg, err := reactor.LoadConfig(w.path, w.envPrefix)
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping previous config")
				continue
			}
			w.setConfig(cfg)
			w.log.Info("config reloaded")

			if ev.Op&fsnotify.Remove != 0 {
				// some editors replace rather than truncate; the old
				// inode's watch is now dead, so re-add the path.
				_ = w.fsw.Add(w.path)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
