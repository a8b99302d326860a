// Package watcher with a file watcher for reloading the device configuration
package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DebounceDelay is the time after the last change before the handler is invoked
const DebounceDelay = 100 * time.Millisecond

// WatchFile watches a file for changes and survives file renames.
// Multiple quick changes are debounced into a single handler call. After the handler the
// file is resubscribed as editors that save through a rename change the inode of the file.
//
//  path to watch
//  handler to invoke on change
// This returns the fsnotify watcher. Close it when done.
func WatchFile(path string, handler func() error) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Errorf("WatchFile: unable to create watcher: %s", err)
		return nil, err
	}
	callbackTimer := time.AfterFunc(0, func() {
		logrus.Debugf("WatchFile: '%s' changed, invoking handler", path)
		if err := handler(); err != nil {
			logrus.Warningf("WatchFile: handler of '%s' failed: %s", path, err)
		}
		watcher.Remove(path)
		if err := watcher.Add(path); err != nil {
			logrus.Warningf("WatchFile: unable to resubscribe to '%s': %s", path, err)
		}
	})
	callbackTimer.Stop() // don't start yet

	err = watcher.Add(path)
	if err != nil {
		logrus.Errorf("WatchFile: unable to watch '%s' for changes: %s", path, err)
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					callbackTimer.Stop()
					return
				}
				logrus.Debugf("WatchFile: event: %s", event)
				callbackTimer.Reset(DebounceDelay)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.Errorf("WatchFile: error: %s", err)
			}
		}
	}()
	return watcher, nil
}
