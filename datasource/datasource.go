// Package datasource connects sessions to external data: object stores and
// databases register here, get their credentials sealed at rest, and stage
// files into session workspaces on demand.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autolyst-dev/autolyst/model"
)

// Error taxonomy shared by all connectors. Wrapped errors carry detail;
// callers branch with errors.Is.
var (
	ErrConnection     = errors.New("datasource: connection failed")
	ErrAuthentication = errors.New("datasource: authentication failed")
	ErrFetch          = errors.New("datasource: fetch failed")
	ErrUnknownKind    = errors.New("datasource: unknown kind")
)

// Item is one addressable thing in a data source: a blob in an object store,
// a table or view in a database.
type Item struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Kind       string    `json:"kind,omitempty"`
}

// Connector is the uniform surface over one external data source.
type Connector interface {
	// Ping verifies connectivity and credentials without fetching data.
	Ping(ctx context.Context) error
	// ListItems enumerates addressable items, optionally under a path
	// (blob name prefix for object stores, schema name for databases).
	ListItems(ctx context.Context, path string) ([]Item, error)
	// Fetch materializes one item into destDir and returns the file name it
	// wrote. For object stores the identifier is a blob path; for databases
	// it is a SQL query whose result lands as CSV.
	Fetch(ctx context.Context, identifier, destDir string) (string, error)
	// Close releases underlying connections. Safe to call more than once.
	Close()
}

// Factory builds a connector from plain params merged with unsealed secrets.
// Construction must not touch the network; Ping does that.
type Factory func(ctx context.Context, params map[string]string) (Connector, error)

type cacheEntry struct {
	at    time.Time
	items []Item
}

// Registry maps data source kinds to connector factories and caches item
// listings so repeated browsing does not hammer the backing source.
type Registry struct {
	sealer *Sealer
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]cacheEntry
}

// NewRegistry creates a registry. ttl bounds how long item listings are
// cached; zero or negative selects the 300s default.
func NewRegistry(sealer *Sealer, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Registry{
		sealer:    sealer,
		ttl:       ttl,
		now:       time.Now,
		factories: make(map[string]Factory),
		cache:     make(map[string]cacheEntry),
	}
}

// RegisterKind installs a factory for a data source kind, replacing any
// previous registration.
func (r *Registry) RegisterKind(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open unseals the data source's credentials, merges them over its plain
// params, and builds a connector. The caller owns the connector and must
// Close it.
func (r *Registry) Open(ctx context.Context, ds *model.DataSource) (Connector, error) {
	r.mu.Lock()
	factory, ok := r.factories[ds.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ds.Kind)
	}

	secrets, err := r.sealer.Open(ds.Sealed)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(ds.Params)+len(secrets))
	for k, v := range ds.Params {
		params[k] = v
	}
	for k, v := range secrets {
		params[k] = v
	}
	return factory(ctx, params)
}

// Seal encrypts a secret map with the registry's sealer for storage.
func (r *Registry) Seal(secrets map[string]string) ([]byte, error) {
	return r.sealer.Seal(secrets)
}

// Test opens a connector for the data source and pings it.
func (r *Registry) Test(ctx context.Context, ds *model.DataSource) error {
	conn, err := r.Open(ctx, ds)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping(ctx)
}

// ListItems lists items in the data source, serving from the cache when a
// listing for the same path is still fresh.
func (r *Registry) ListItems(ctx context.Context, ds *model.DataSource, path string) ([]Item, error) {
	key := ds.ID + "\x00" + path
	r.mu.Lock()
	if e, ok := r.cache[key]; ok && r.now().Sub(e.at) <= r.ttl {
		items := e.items
		r.mu.Unlock()
		return items, nil
	}
	r.mu.Unlock()

	conn, err := r.Open(ctx, ds)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	items, err := conn.ListItems(ctx, path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{at: r.now(), items: items}
	r.mu.Unlock()
	return items, nil
}

// Fetch stages one item from the data source into destDir and returns the
// file name written there. Fetches are never cached.
func (r *Registry) Fetch(ctx context.Context, ds *model.DataSource, identifier, destDir string) (string, error) {
	conn, err := r.Open(ctx, ds)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.Fetch(ctx, identifier, destDir)
}

// Invalidate drops all cached listings for a data source. Call after the
// source's configuration changes or it is deleted.
func (r *Registry) Invalidate(id string) {
	prefix := id + "\x00"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
}

// sensitiveParamKeys are masked before params leave the server.
var sensitiveParamKeys = []string{
	"password", "token", "secret", "key", "connection_string",
	"sas_token", "api_key", "access_key", "credentials",
}

// SanitizeParams returns a copy of params with credential material replaced
// by a redaction marker. Safe for logging and API responses.
func SanitizeParams(params map[string]string) map[string]string {
	sanitized := make(map[string]string, len(params))
	for k, v := range params {
		sanitized[k] = v
	}
	for _, k := range sensitiveParamKeys {
		if _, ok := sanitized[k]; ok {
			sanitized[k] = "***REDACTED***"
		}
	}
	return sanitized
}
