package engine

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"cropsteer/engine/internal/telemetry/events"
	"cropsteer/engine/models"
)

const reloadDebounce = 500 * time.Millisecond

// watchConfig reloads parameters when the config file changes. It watches
// the directory rather than the file: editors and config tooling replace
// files by rename, which drops inode-level watches.
func (e *Engine) watchConfig() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		e.log.Warn("config watch unavailable", zap.Error(err))
		return
	}
	dir := filepath.Dir(e.cfg.ConfigPath)
	base := filepath.Base(e.cfg.ConfigPath)
	if err := w.Add(dir); err != nil {
		e.log.Warn("config watch failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer w.Close()

		// Save bursts (write, chmod, rename) collapse into one reload.
		var debounce clock.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-e.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce == nil {
					debounce = e.clock.NewTimer(reloadDebounce)
					fire = debounce.C()
				} else {
					debounce.Reset(reloadDebounce)
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				e.log.Warn("config watcher error", zap.Error(werr))
			case <-fire:
				if err := e.ReloadConfig(); err != nil {
					e.log.Warn("config reload rejected", zap.Error(err))
				}
			}
		}
	}()
}

// ReloadConfig re-reads the parameter file and applies the tunables live.
// Invalid files are rejected wholesale and the previous parameters stay
// active. Zone topology never changes at runtime; a changed zones list is
// reported but ignored until restart.
func (e *Engine) ReloadConfig() error {
	if e.cfg.ConfigPath == "" {
		return errors.New("engine: no config path configured")
	}
	p, err := LoadParams(e.fs, e.cfg.ConfigPath)
	if err != nil {
		return err
	}
	sched, err := p.Schedule()
	if err != nil {
		return err
	}

	e.mu.Lock()
	topoChanged := !sameTopology(e.params.Zones, p.Zones)
	active := e.params.Zones
	e.params = p
	e.params.Zones = active
	e.sched = sched
	e.mu.Unlock()

	set := p.Settings()
	e.tun.Update(set)
	e.mu.Lock()
	for _, id := range e.zoneOrder {
		zs := e.zones[id]
		zs.vwc.Tune(set.SampleWindow, set.FreshnessHorizon, set.MinSensors)
		zs.ec.Tune(set.SampleWindow, set.FreshnessHorizon, set.MinSensors)
	}
	e.mu.Unlock()

	if topoChanged {
		e.log.Warn("zone topology changed in config file; restart to apply topology")
	}
	e.emit(events.Event{
		Category: events.CategoryConfig,
		Type:     string(models.EventConfigReloaded),
		Fields: map[string]interface{}{
			"path":            e.cfg.ConfigPath,
			"topologyChanged": topoChanged,
		},
	})
	e.log.Info("configuration reloaded", zap.String("path", e.cfg.ConfigPath))
	return nil
}
