// Package aedir resolves C-MOVE destination AE titles to network addresses.
package aedir

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownDestination marks an AE title with no directory entry and no
// configured fallback.
var ErrUnknownDestination = errors.New("aedir: unknown destination AE title")

// Destination is one resolvable DIMSE endpoint.
type Destination struct {
	AETitle     string `json:"ae_title"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Description string `json:"description,omitempty"`
}

// Directory maps AE titles to destinations, case-insensitively, with an
// optional fallback address for unknown titles.
type Directory struct {
	mu       sync.RWMutex
	entries  map[string]Destination
	fallback *Destination
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{entries: make(map[string]Destination)}
}

// Seed loads entries from a comma-separated TITLE=host:port list, as carried
// by the AE_DESTINATIONS configuration value.
func (d *Directory) Seed(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		title, addr, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("aedir: malformed destination %q, want TITLE=host:port", entry)
		}
		host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
		if err != nil {
			return fmt.Errorf("aedir: malformed address for %q: %w", title, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("aedir: invalid port %q for %q", portStr, title)
		}
		d.Upsert(Destination{
			AETitle: strings.TrimSpace(title),
			Host:    host,
			Port:    port,
		})
	}
	return nil
}

// SetFallback configures the address returned for titles with no entry.
func (d *Directory) SetFallback(host string, port int) {
	d.mu.Lock()
	d.fallback = &Destination{Host: host, Port: port}
	d.mu.Unlock()
}

// Upsert adds or replaces an entry.
func (d *Directory) Upsert(dest Destination) {
	d.mu.Lock()
	d.entries[strings.ToUpper(dest.AETitle)] = dest
	d.mu.Unlock()
}

// Remove deletes an entry, reporting whether it existed.
func (d *Directory) Remove(aeTitle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToUpper(aeTitle)
	_, ok := d.entries[key]
	delete(d.entries, key)
	return ok
}

// Resolve returns the destination for aeTitle. Unknown titles resolve to
// the fallback when one is configured, otherwise ErrUnknownDestination.
func (d *Directory) Resolve(aeTitle string) (Destination, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if dest, ok := d.entries[strings.ToUpper(strings.TrimSpace(aeTitle))]; ok {
		return dest, nil
	}
	if d.fallback != nil {
		dest := *d.fallback
		dest.AETitle = strings.ToUpper(strings.TrimSpace(aeTitle))
		return dest, nil
	}
	return Destination{}, fmt.Errorf("%w: %s", ErrUnknownDestination, aeTitle)
}

// List returns all entries ordered by AE title.
func (d *Directory) List() []Destination {
	d.mu.RLock()
	out := make([]Destination, 0, len(d.entries))
	for _, dest := range d.entries {
		out = append(out, dest)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AETitle < out[j].AETitle })
	return out
}
