package stt

import (
	"context"
	"strings"
)

// Router dispatches to a backend chosen by language. Lookups try the full
// tag ("de-AT"), then the primary subtag ("de"), then fall back to the
// default service.
//
// A Router only claims a capability when every routed service has it, so
// callers that check capabilities never hit ErrNotSupported on some
// languages only.
type Router struct {
	def    Service
	routes map[string]Service
}

var _ Service = (*Router)(nil)

// NewRouter builds a router over def and per-language overrides. Keys are
// matched case-insensitively.
func NewRouter(def Service, routes map[string]Service) *Router {
	r := &Router{def: def, routes: make(map[string]Service, len(routes))}
	for lang, svc := range routes {
		r.routes[strings.ToLower(lang)] = svc
	}
	return r
}

// Route returns the service that handles lang.
func (r *Router) Route(lang string) Service {
	lang = strings.ToLower(lang)
	if svc, ok := r.routes[lang]; ok {
		return svc
	}
	if primary, _, ok := strings.Cut(lang, "-"); ok {
		if svc, ok := r.routes[primary]; ok {
			return svc
		}
	}
	return r.def
}

func (r *Router) Name() string { return "router(" + r.def.Name() + ")" }

func (r *Router) SupportsFragmentTranscription() bool {
	return r.all(Service.SupportsFragmentTranscription)
}

func (r *Router) SupportsStreamRecognition() bool {
	return r.all(Service.SupportsStreamRecognition)
}

func (r *Router) all(has func(Service) bool) bool {
	if !has(r.def) {
		return false
	}
	for _, svc := range r.routes {
		if !has(svc) {
			return false
		}
	}
	return true
}

func (r *Router) SendSingleRequest(ctx context.Context, req Request, consumer func(Result)) error {
	svc := r.Route(req.Locale)
	if !svc.SupportsFragmentTranscription() {
		return ErrNotSupported
	}
	return svc.SendSingleRequest(ctx, req, consumer)
}

func (r *Router) InitStreamingSession(ctx context.Context, cfg SessionConfig) (StreamingSession, error) {
	svc := r.Route(cfg.Language)
	if !svc.SupportsStreamRecognition() {
		return nil, ErrNotSupported
	}
	return svc.InitStreamingSession(ctx, cfg)
}
