package registry

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"fleetcron/internal/domain"
)

// Watcher re-registers task definitions when their files change on disk.
// Deletions are logged only: unregistering a live task mid-flight is not
// supported, the stale definition keeps running until restart.
type Watcher struct {
	src      FileSource
	reg      *Registry
	onChange func(domain.TaskDefinition)
	fw       *fsnotify.Watcher
}

// NewWatcher starts watching src.Dir. onChange is called after a changed
// definition has been re-registered (the lifecycle controller uses it to
// restart the task's trigger loop).
func NewWatcher(src FileSource, reg *Registry, onChange func(domain.TaskDefinition)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(src.Dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{src: src, reg: reg, onChange: onChange, fw: fw}, nil
}

func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("task watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !isTaskFile(ev.Name) {
		return
	}
	switch {
	case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create):
		def, err := w.src.ParseFile(ev.Name)
		if err != nil {
			log.Warn().Err(err).Str("file", ev.Name).Msg("ignoring changed task file")
			return
		}
		if err := w.reg.Register(def); err != nil {
			log.Warn().Err(err).Str("file", ev.Name).Msg("ignoring changed task file")
			return
		}
		log.Info().Str("task", def.Name).Msg("task definition reloaded")
		if w.onChange != nil {
			w.onChange(def)
		}
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		log.Warn().Str("file", ev.Name).Msg("task file removed, definition stays active until restart")
	}
}
