package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/nearby-pairing/logger"
	"github.com/user/nearby-pairing/pairing"
)

// StartDiscovery watches the service directory and reports adverts as they
// appear and disappear. The directory is also rescanned every RescanInterval
// in case a watch event is missed.
func (w *Wire) StartDiscovery(ctx context.Context, serviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopDiscover != nil {
		return ErrAlreadyDiscovering
	}
	dir, err := w.useServiceLocked(serviceID)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	discoverCtx, cancel := context.WithCancel(context.Background())
	w.stopDiscover = cancel
	logger.Debug(w.prefix, "🔍 Discovering in %s", dir)

	w.wg.Add(1)
	go w.runDiscovery(discoverCtx, watcher, dir, serviceID, w.gen)
	return nil
}

func (w *Wire) runDiscovery(ctx context.Context, watcher *fsnotify.Watcher, dir, serviceID string, gen uint64) {
	defer w.wg.Done()
	defer watcher.Close()

	ticker := time.NewTicker(w.opts.RescanInterval)
	defer ticker.Stop()

	w.rescan(dir, serviceID, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, advertExt) && !strings.HasSuffix(ev.Name, socketExt) {
				continue
			}
			w.rescan(dir, serviceID, gen)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn(w.prefix, "⚠️  Discovery watcher error: %v", err)
		case <-ticker.C:
			w.rescan(dir, serviceID, gen)
		}
	}
}

// rescan diffs the adverts on disk against what was last reported
func (w *Wire) rescan(dir, serviceID string, gen uint64) {
	current := ListAdverts(dir, serviceID)
	delete(current, w.endpointID)

	var found []Advert
	var lost []string

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return
	}
	for id, adv := range current {
		if prev, ok := w.seen[id]; !ok || prev.Name != adv.Name {
			found = append(found, adv)
		}
	}
	for id := range w.seen {
		if _, ok := current[id]; !ok {
			lost = append(lost, id)
		}
	}
	w.seen = current
	w.mu.Unlock()

	for _, adv := range found {
		logger.Debug(w.prefix, "📱 Found %s (%s)", adv.Name, shortHash(adv.EndpointID))
		w.emit(gen, func(h pairing.EventHandler) {
			h.OnEndpointFound(adv.EndpointID, adv.Name)
		})
	}
	for _, id := range lost {
		logger.Debug(w.prefix, "Lost %s", shortHash(id))
		w.emit(gen, func(h pairing.EventHandler) {
			h.OnEndpointLost(id)
		})
	}
}

// ListAdverts reads every advert in dir that belongs to serviceID and has a
// live socket beside it, keyed by endpoint id
func ListAdverts(dir, serviceID string) map[string]Advert {
	adverts := make(map[string]Advert)

	matches, err := filepath.Glob(filepath.Join(dir, "*"+advertExt))
	if err != nil {
		return adverts
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var adv Advert
		if err := json.Unmarshal(data, &adv); err != nil {
			continue
		}
		if adv.ServiceID != serviceID || adv.EndpointID == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, adv.EndpointID+socketExt)); err != nil {
			continue
		}
		adverts[adv.EndpointID] = adv
	}

	return adverts
}
