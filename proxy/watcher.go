package proxy

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// configWatcher notices edits to the config file on disk. The resolved
// configuration is immutable once serving, so a change only produces a log
// line telling the operator a restart is required.
type configWatcher struct {
	watcher *fsnotify.Watcher
	logger  *LogMonitor
	path    string
	done    chan struct{}
}

func watchConfigFile(path string, logger *LogMonitor) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file, which drops a
	// watch registered on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	cw := &configWatcher{
		watcher: w,
		logger:  logger,
		path:    path,
		done:    make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

func (cw *configWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.logger.Warnf("config file %s changed on disk; restart to apply", cw.path)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnf("config watcher error: %v", err)
		}
	}
}

func (cw *configWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
