package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper is an http.Handler whose target can be replaced at runtime.
// Used to toggle the panel on and off when a SIGHUP reload changes config.
type handlerSwapper struct {
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.current.Store(&h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

// Swap replaces the underlying handler. In-flight requests keep the handler
// they started with.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.current.Store(&h)
}
