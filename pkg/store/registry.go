package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Options are backend-independent connection settings.
type Options struct {
	// TLS forces a TLS connection even when the URL scheme does not ask for one.
	TLS    bool
	Logger *slog.Logger
}

// Factory opens a backend from a connection URL.
type Factory func(ctx context.Context, rawURL string, opts Options) (Backend, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend factory for a URL scheme. Backends call it
// from init, so importing a backend package makes its schemes available.
func Register(scheme string, f Factory) error {
	if scheme == "" {
		return fmt.Errorf("store: empty scheme")
	}
	if f == nil {
		return fmt.Errorf("store: nil factory for %q", scheme)
	}
	scheme = strings.ToLower(scheme)
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[scheme]; exists {
		return fmt.Errorf("store: scheme %q already registered", scheme)
	}
	factories[scheme] = f
	return nil
}

// Resolve gets a registered factory by scheme.
func Resolve(scheme string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[strings.ToLower(scheme)]
	return f, ok
}

// Schemes lists registered schemes in sorted order.
func Schemes() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Scheme returns the scheme of a store URL: the text before the first colon.
// It accepts both "redis://host" and opaque forms like "sqlite:file:x.db".
func Scheme(rawURL string) (string, error) {
	scheme, _, ok := strings.Cut(rawURL, ":")
	if !ok || scheme == "" {
		return "", fmt.Errorf("store: url %q has no scheme", Redact(rawURL))
	}
	return strings.ToLower(scheme), nil
}

// Open opens a backend for rawURL using the factory registered for its scheme.
func Open(ctx context.Context, rawURL string, opts Options) (Backend, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("store: url is empty")
	}
	scheme, err := Scheme(rawURL)
	if err != nil {
		return nil, err
	}
	f, ok := Resolve(scheme)
	if !ok {
		return nil, fmt.Errorf("store: unsupported scheme %q (registered: %s)", scheme, strings.Join(Schemes(), ", "))
	}
	return f(ctx, rawURL, opts)
}

// URLOpener returns an Opener that opens a fresh backend for rawURL on each call.
func URLOpener(rawURL string, opts Options) Opener {
	return func(ctx context.Context) (Backend, error) {
		return Open(ctx, rawURL, opts)
	}
}

// Redact hides userinfo so store URLs can be logged and put in errors.
func Redact(rawURL string) string {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return rawURL
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return rawURL
	}
	return scheme + "://xxxxx@" + rest[at+1:]
}
