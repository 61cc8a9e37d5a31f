package ray5agent

import (
	"sort"
	"sync"
)

// FileCatalog is the session's view of the SD card: an ordered listing plus
// change markers that highlight recently uploaded files for a while.
//
// Mutations are driven by the session manager's coordinating goroutine; the
// lock exists so snapshot reads from other goroutines stay consistent.
type FileCatalog struct {
	mu      sync.RWMutex
	files   []RemoteFile
	markers map[string]int
	ticks   int
}

// NewFileCatalog builds an empty catalog whose markers survive markerTicks
// decay ticks.
func NewFileCatalog(markerTicks int) *FileCatalog {
	if markerTicks <= 0 {
		markerTicks = DefaultMarkerTicks
	}
	return &FileCatalog{
		markers: make(map[string]int),
		ticks:   markerTicks,
	}
}

// Replace swaps in a fresh device listing. Markers whose file survived the
// refresh keep their remaining ticks; markers for vanished names are dropped.
func (c *FileCatalog) Replace(files []RemoteFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files[:0:0], files...)
	if len(c.markers) == 0 {
		return
	}
	present := make(map[string]struct{}, len(files))
	for _, file := range files {
		present[file.Name] = struct{}{}
	}
	for name := range c.markers {
		if _, ok := present[name]; !ok {
			delete(c.markers, name)
		}
	}
}

// MarkChanged lights (or re-arms) the marker for each listed name. Names not
// present in the current listing are ignored.
func (c *FileCatalog) MarkChanged(names []string) {
	if len(names) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	present := make(map[string]struct{}, len(c.files))
	for _, file := range c.files {
		present[file.Name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := present[name]; ok {
			c.markers[name] = c.ticks
		}
	}
}

// DecayTick ages every marker by one tick and reports whether at least one
// marker expired, so the caller knows a repaint is due.
func (c *FileCatalog) DecayTick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expired := false
	for name, remaining := range c.markers {
		remaining--
		if remaining <= 0 {
			delete(c.markers, name)
			expired = true
			continue
		}
		c.markers[name] = remaining
	}
	return expired
}

// Snapshot returns a copy of the listing and the sorted marked names.
func (c *FileCatalog) Snapshot() ([]RemoteFile, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	files := append([]RemoteFile(nil), c.files...)
	return files, c.changedNamesLocked()
}

// Files returns a copy of the current listing.
func (c *FileCatalog) Files() []RemoteFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RemoteFile(nil), c.files...)
}

// ChangedNames returns the sorted names whose markers are still lit.
func (c *FileCatalog) ChangedNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changedNamesLocked()
}

func (c *FileCatalog) changedNamesLocked() []string {
	if len(c.markers) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.markers))
	for name := range c.markers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of listed files.
func (c *FileCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// Clear drops the listing and every marker. Used on disconnect.
func (c *FileCatalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = nil
	c.markers = make(map[string]int)
}
