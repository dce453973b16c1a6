package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ServerStatus is one tool server's advertised directory. Descriptors are
// shared with the cache and must not be mutated.
type ServerStatus struct {
	Name              string                    `json:"name"`
	Tools             map[string]map[string]any `json:"tools"`
	Resources         []map[string]any          `json:"resources"`
	ResourceTemplates []map[string]any          `json:"resourceTemplates"`
}

// statusCache holds the last complete directory listing. Contents are only
// ever replaced wholesale.
type statusCache struct {
	mu          sync.RWMutex
	order       []string
	byName      map[string]ServerStatus
	refreshedAt time.Time

	// refreshMu serializes refresh cycles.
	refreshMu sync.Mutex
}

func newStatusCache() *statusCache {
	return &statusCache{byName: map[string]ServerStatus{}}
}

func (c *statusCache) stale(now time.Time, interval time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName) == 0 || now.Sub(c.refreshedAt) > interval
}

func (c *statusCache) swap(order []string, byName map[string]ServerStatus, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = order
	c.byName = byName
	c.refreshedAt = at
}

func (c *statusCache) list() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServerStatus, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

func (c *statusCache) lookup(server string) (ServerStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byName[server]
	return s, ok
}

func (c *statusCache) info() (int, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName), c.refreshedAt
}

// ListServerStatus returns the cached directory, refreshing it first when
// force is set, the cache is empty, or the refresh interval has elapsed. A
// failed refresh leaves the previous contents in place.
func (g *Gateway) ListServerStatus(ctx context.Context, force bool) ([]ServerStatus, error) {
	if err := g.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	if !force && !g.status.stale(g.opts.Clock(), g.opts.RefreshInterval) {
		return g.status.list(), nil
	}

	g.status.refreshMu.Lock()
	defer g.status.refreshMu.Unlock()
	// Another caller may have refreshed while we waited.
	if !force && !g.status.stale(g.opts.Clock(), g.opts.RefreshInterval) {
		return g.status.list(), nil
	}

	if err := g.refreshStatus(ctx); err != nil {
		return nil, err
	}
	return g.status.list(), nil
}

// RefreshStatus force-refreshes the directory and returns the number of
// servers cached.
func (g *Gateway) RefreshStatus(ctx context.Context) (int, error) {
	servers, err := g.ListServerStatus(ctx, true)
	return len(servers), err
}

func (g *Gateway) refreshStatus(ctx context.Context) error {
	var (
		cursor *string
		order  []string
		byName = map[string]ServerStatus{}
		seen   = map[string]bool{}
		pages  int
	)
	for {
		raw, err := g.call(ctx, "mcpServerStatus/list", map[string]any{
			"cursor": cursor,
			"limit":  g.opts.StatusPageSize,
		}, g.opts.RequestTimeout)
		if err != nil {
			g.metrics.RecordRefresh(ctx, 0, err)
			return fmt.Errorf("list server status: %w", err)
		}
		pages++

		page, _ := decodeObject(raw)
		for _, row := range objectList(page["data"]) {
			status, ok := toServerStatus(row)
			if !ok {
				continue
			}
			if _, dup := byName[status.Name]; !dup {
				order = append(order, status.Name)
			}
			byName[status.Name] = status
		}

		next := stringValue(page["nextCursor"])
		if next == "" {
			break
		}
		if seen[next] {
			err := fmt.Errorf("list server status: cursor %q repeated", next)
			g.metrics.RecordRefresh(ctx, 0, err)
			return err
		}
		seen[next] = true
		cursor = &next
	}

	g.status.swap(order, byName, g.opts.Clock())
	g.metrics.RecordRefresh(ctx, len(byName), nil)
	g.logger.Debug("status directory refreshed", "servers", len(byName), "pages", pages)
	return nil
}

func toServerStatus(row map[string]any) (ServerStatus, bool) {
	name := stringValue(row["name"])
	if name == "" {
		return ServerStatus{}, false
	}
	s := ServerStatus{
		Name:      name,
		Tools:     map[string]map[string]any{},
		Resources: objectList(row["resources"]),
	}
	if tools, ok := row["tools"].(map[string]any); ok {
		for toolName, descriptor := range tools {
			if d, ok := descriptor.(map[string]any); ok {
				s.Tools[toolName] = d
			}
		}
	}
	if templates, ok := row["resourceTemplates"].([]any); ok {
		s.ResourceTemplates = objectList(templates)
	} else {
		s.ResourceTemplates = objectList(row["resource_templates"])
	}
	return s, true
}

// ToolDescriptor looks up a cached tool descriptor without contacting the
// worker. It returns nil when the server or tool is unknown.
func (g *Gateway) ToolDescriptor(server, tool string) map[string]any {
	s, ok := g.status.lookup(server)
	if !ok {
		return nil
	}
	return s.Tools[tool]
}

// ReadTool returns a tool descriptor, refreshing the directory when stale.
func (g *Gateway) ReadTool(ctx context.Context, server, tool string) (map[string]any, error) {
	if _, err := g.ListServerStatus(ctx, false); err != nil {
		return nil, err
	}
	return g.ToolDescriptor(server, tool), nil
}

// stringValue returns v trimmed when it is a string, else "".
func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
