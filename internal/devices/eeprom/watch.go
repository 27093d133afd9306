package eeprom

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// VersionWatcher drives the externally-triggered version-discovery flow:
// a notify-watch on a configured directory triggers ProcessUpdate(filename)
// once a new file appears, grounded on hdwhdw-update-agent's fsnotify-based
// directory watch for firmware artifacts.
type VersionWatcher struct {
	watcher       *fsnotify.Watcher
	dir           string
	log           zerolog.Logger
	ProcessUpdate func(filename string) error
}

// NewVersionWatcher opens an fsnotify watch on dir. ProcessUpdate must be
// set by the caller before Run is started.
func NewVersionWatcher(dir string, log zerolog.Logger) (*VersionWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &VersionWatcher{watcher: w, dir: dir, log: log}, nil
}

// Run is the detached watch loop; per the design notes this is the one
// allowance for a detached task, since its only shared state is the
// caller-provided stop channel. TransientIoError (a re-openable watch
// failure) is logged and the loop re-arms rather than exiting.
func (v *VersionWatcher) Run(stop <-chan struct{}) {
	defer v.watcher.Close()
	for {
		select {
		case ev, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if v.ProcessUpdate == nil {
				continue
			}
			if err := v.ProcessUpdate(ev.Name); err != nil {
				v.log.Warn().Err(err).Str("file", ev.Name).Msg("version watch: process update failed")
			}
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			v.log.Warn().Err(err).Msg("version watch: fsnotify error, continuing")
		case <-stop:
			return
		}
	}
}
