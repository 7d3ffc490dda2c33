package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RoutingTable is the YAML-file-backed form of the gateway's ServiceConfig
// map, loaded independently of the env-driven Config so operators can add
// or remove upstream URLs without a restart (spec.md §4.6: "a missing URL
// removes its routes silently").
type RoutingTable struct {
	Services map[string]struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"services"`
}

// LoadRoutingTable reads and parses a routing-table YAML file.
func LoadRoutingTable(path string) (map[string]ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}

	var table RoutingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}

	services := make(map[string]ServiceConfig, len(table.Services))
	for name, entry := range table.Services {
		timeout := entry.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		services[name] = ServiceConfig{Name: name, BaseURL: entry.BaseURL, Timeout: timeout}
	}
	return services, nil
}

// RouteWatcher watches a routing-table file and invokes callback with the
// reloaded ServiceConfig map whenever it changes on disk.
type RouteWatcher struct {
	path     string
	callback func(map[string]ServiceConfig)
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewRouteWatcher starts watching path for changes.
func NewRouteWatcher(path string, logger zerolog.Logger, callback func(map[string]ServiceConfig)) (*RouteWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create route watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch routing table: %w", err)
	}

	rw := &RouteWatcher{
		path:     path,
		callback: callback,
		logger:   logger,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go rw.run()
	return rw, nil
}

func (rw *RouteWatcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, rw.reload)
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn().Err(err).Msg("route watcher error")
		case <-rw.stopCh:
			return
		}
	}
}

func (rw *RouteWatcher) reload() {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	services, err := LoadRoutingTable(rw.path)
	if err != nil {
		rw.logger.Warn().Err(err).Msg("routing table hot-reload failed, keeping previous table")
		return
	}

	rw.logger.Info().Int("services", len(services)).Msg("routing table reloaded")
	rw.callback(services)
}

// Stop stops the watcher.
func (rw *RouteWatcher) Stop() error {
	close(rw.stopCh)
	return rw.watcher.Close()
}
