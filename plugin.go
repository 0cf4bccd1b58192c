package nest

import (
	"slices"
	"strings"
	"sync"

	"github.com/mholt/archives"
)

// Plugin describes a decoder for archive formats beyond zip and 7z.
type Plugin struct {
	// Name identifies the plugin for WithPlugin.
	Name string

	// Extensions claimed by the plugin, without the leading dot.
	// Multi-part extensions such as "tar.gz" are allowed.
	Extensions []string

	// Format forces the decoder. When nil the format is identified from
	// the file name and content.
	Format archives.Extractor

	// BulkOnly marks formats that can only be read sequentially. Their
	// entries are served through pre-extraction.
	BulkOnly bool
}

// PluginRegistry maps extensions and names to plugins.
// It is safe for concurrent use.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewPluginRegistry creates a registry holding plugins.
func NewPluginRegistry(plugins ...Plugin) *PluginRegistry {
	r := &PluginRegistry{}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// DefaultPluginRegistry returns the built-in plugins for rar and the tar
// family.
func DefaultPluginRegistry() *PluginRegistry {
	return NewPluginRegistry(
		Plugin{Name: "rar", Extensions: []string{"rar", "cbr"}, BulkOnly: true},
		Plugin{Name: "tar", Extensions: []string{"tar", "cbt"}, BulkOnly: true},
		Plugin{Name: "tar.gz", Extensions: []string{"tar.gz", "tgz"}, BulkOnly: true},
		Plugin{Name: "tar.bz2", Extensions: []string{"tar.bz2", "tbz2"}, BulkOnly: true},
		Plugin{Name: "tar.xz", Extensions: []string{"tar.xz", "txz"}, BulkOnly: true},
		Plugin{Name: "tar.zst", Extensions: []string{"tar.zst", "tzst"}, BulkOnly: true},
	)
}

// Register adds p, replacing any plugin with the same name.
func (r *PluginRegistry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Extensions = slices.Clone(p.Extensions)
	for i := range r.plugins {
		if r.plugins[i].Name == p.Name {
			r.plugins[i] = p
			return
		}
	}
	r.plugins = append(r.plugins, p)
}

// ByName returns the plugin registered as name.
func (r *PluginRegistry) ByName(name string) (Plugin, bool) {
	if r == nil {
		return Plugin{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Plugin{}, false
}

// ByExtension returns the plugin claiming the longest extension of name.
func (r *PluginRegistry) ByExtension(name string) (Plugin, bool) {
	if r == nil {
		return Plugin{}, false
	}
	lower := strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, bestLen := Plugin{}, 0
	for _, p := range r.plugins {
		for _, ext := range p.Extensions {
			ext = strings.TrimPrefix(strings.ToLower(ext), ".")
			if len(ext) > bestLen && strings.HasSuffix(lower, "."+ext) {
				best, bestLen = p, len(ext)
			}
		}
	}
	return best, bestLen > 0
}

// Extensions returns every extension claimed by a plugin.
func (r *PluginRegistry) Extensions() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.plugins {
		out = append(out, p.Extensions...)
	}
	return out
}
