package master

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// configWatchDebounce absorbs the burst of rename/write events a single
// editor save often produces (write, chmod, rename-into-place) into one
// synthetic reload request.
const configWatchDebounce = 300 * time.Millisecond

// ConfigWatcher optionally watches the master's config paths and turns
// filesystem writes into a synthetic SigConfigChanged token on the signal
// queue, so an operator can ask for `--watch-config` instead of scripting
// a HUP after every deploy.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	queue   *SignalQueue
	stop    chan struct{}
}

// WatchConfig starts watching paths for changes. It is opt-in: callers
// that don't pass --watch-config never construct one, and a nil receiver
// is safe to Stop.
func WatchConfig(paths ConfigPaths, queue *SignalQueue) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			logrus.WithField("path", p).WithError(err).Warn("config watch: failed to add path")
		}
	}

	cw := &ConfigWatcher{watcher: w, queue: queue, stop: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *ConfigWatcher) run() {
	var pending *time.Timer
	var fired <-chan time.Time

	for {
		select {
		case <-cw.stop:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := cw.watcher.Add(ev.Name); err != nil {
					logrus.WithField("path", ev.Name).WithError(err).Warn("config watch: failed to re-add path")
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(configWatchDebounce)
			fired = pending.C
		case <-fired:
			fired = nil
			cw.queue.enqueueConfigChanged()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("config watch error")
		}
	}
}

// Stop tears down the watcher. Safe on a nil *ConfigWatcher.
func (cw *ConfigWatcher) Stop() {
	if cw == nil {
		return
	}
	close(cw.stop)
	_ = cw.watcher.Close()
}
