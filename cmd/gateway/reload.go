package main

import (
	"net/http"
	"sync/atomic"
)

// reloadableHandler lets the gateway's mounted routes be rebuilt and
// swapped in while the process keeps serving, backing the routing table's
// hot-reload (spec.md §4.6: "a missing URL removes its routes silently" —
// extended here to cover an added or changed one too, via
// config.RouteWatcher).
type reloadableHandler struct {
	current atomic.Value // http.Handler
}

func newReloadableHandler(h http.Handler) *reloadableHandler {
	rh := &reloadableHandler{}
	rh.current.Store(h)
	return rh
}

func (rh *reloadableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rh.current.Load().(http.Handler).ServeHTTP(w, r)
}

func (rh *reloadableHandler) swap(h http.Handler) {
	rh.current.Store(h)
}
