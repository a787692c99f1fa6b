package mdcache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// exportFlags mirrors spec §4.5's "flags byte including UNEXPORT".
type exportFlags uint32

const (
	exportUnexport exportFlags = 1 << iota
)

// Export is an administrative mount point through which the cache is
// exposed. Each entry may be reachable through many exports (spec
// §3, §4.5).
type Export struct {
	id    uuid.UUID
	idNum uint64 // a dense numeric alias, cheaper to compare than a UUID

	flags uint32 // atomic exportFlags

	mu      sync.RWMutex // the export's own mapping lock (spec §4.4 rule 2)
	entries map[*Entry]*exportMapping
}

var exportIDCounter uint64

// NewExport creates a fresh export with a random UUID and a dense
// numeric id used as Entry.firstExportID's fast-path comparator.
func NewExport() *Export {
	return &Export{
		id:      uuid.New(),
		idNum:   atomic.AddUint64(&exportIDCounter, 1),
		entries: make(map[*Entry]*exportMapping),
	}
}

// ID returns the export's stable identifier.
func (ex *Export) ID() uuid.UUID { return ex.id }

func (ex *Export) flagsLoad() exportFlags { return exportFlags(atomic.LoadUint32(&ex.flags)) }

// BeginUnexport marks the export as being removed. In-flight
// new_entry/check_mapping calls observe this either on their fast
// pre-check or on their write-lock re-check (spec §8 scenario 5).
func (ex *Export) BeginUnexport() {
	for {
		old := atomic.LoadUint32(&ex.flags)
		if atomic.CompareAndSwapUint32(&ex.flags, old, old|uint32(exportUnexport)) {
			return
		}
	}
}

func (ex *Export) isUnexporting() bool { return ex.flagsLoad()&exportUnexport != 0 }

// exportMapping cross-links one entry with one export (spec §3).
type exportMapping struct {
	export *Export
	entry  *Entry
}

// checkMapping implements spec §4.5's check_mapping: verify the
// current export is attached to entry, appending a fresh mapping
// record if it is not yet (and the export is not unexporting).
func checkMapping(entry *Entry, export *Export) error {
	if export.isUnexporting() {
		return ErrStale
	}

	if atomic.LoadUint64(&entry.firstExportID) == export.idNum {
		return nil
	}

	entry.attrMu.RLock()
	found := entryHasExport(entry, export)
	entry.attrMu.RUnlock()
	if found {
		return nil
	}

	entry.attrMu.Lock()
	defer entry.attrMu.Unlock()

	if entryHasExport(entry, export) {
		return nil
	}
	if export.isUnexporting() {
		return ErrStale
	}

	m := &exportMapping{export: export, entry: entry}
	entry.exports = append(entry.exports, m)
	if atomic.LoadUint64(&entry.firstExportID) == 0 {
		atomic.StoreUint64(&entry.firstExportID, export.idNum)
	}

	export.mu.Lock()
	export.entries[entry] = m
	export.mu.Unlock()

	return nil
}

func entryHasExport(entry *Entry, export *Export) bool {
	for _, m := range entry.exports {
		if m.export == export {
			return true
		}
	}
	return false
}

// attachFirstExport installs the very first export mapping for a
// freshly created entry (new_entry step 4). Caller must hold no locks
// on entry (it is not yet published).
func attachFirstExport(entry *Entry, export *Export) {
	m := &exportMapping{export: export, entry: entry}
	entry.exports = append(entry.exports, m)
	atomic.StoreUint64(&entry.firstExportID, export.idNum)

	export.mu.Lock()
	export.entries[entry] = m
	export.mu.Unlock()
}

// Unexport walks the export's entry list, removing each mapping under
// the entry's attribute write lock, per spec §4.5.
func (ex *Export) Unexport() {
	ex.BeginUnexport()

	ex.mu.Lock()
	mappings := make([]*exportMapping, 0, len(ex.entries))
	for _, m := range ex.entries {
		mappings = append(mappings, m)
	}
	ex.entries = make(map[*Entry]*exportMapping)
	ex.mu.Unlock()

	for _, m := range mappings {
		unlinkMapping(m)
	}
}

func unlinkMapping(m *exportMapping) {
	entry := m.entry
	entry.attrMu.Lock()
	for i, cand := range entry.exports {
		if cand == m {
			entry.exports = append(entry.exports[:i], entry.exports[i+1:]...)
			break
		}
	}
	if atomic.LoadUint64(&entry.firstExportID) == m.export.idNum {
		atomic.StoreUint64(&entry.firstExportID, 0)
		if len(entry.exports) > 0 {
			atomic.StoreUint64(&entry.firstExportID, entry.exports[0].export.idNum)
		}
	}
	entry.attrMu.Unlock()
}
