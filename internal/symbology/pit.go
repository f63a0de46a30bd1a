package symbology

import "sync"

// PitSymbolMap tracks the session-scoped mapping from the upstream numeric
// instrument id to its raw symbol, fed by symbol-mapping records. A new
// mapping for an id invalidates the previous one.
type PitSymbolMap struct {
	mu      sync.RWMutex
	symbols map[uint32]string
}

// NewPitSymbolMap returns an empty map.
func NewPitSymbolMap() *PitSymbolMap {
	return &PitSymbolMap{symbols: make(map[uint32]string)}
}

// OnMapping records the symbol a gateway mapping record assigned to the id.
func (m *PitSymbolMap) OnMapping(instrumentID uint32, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[instrumentID] = symbol
}

// Resolve returns the raw symbol last mapped to the id.
func (m *PitSymbolMap) Resolve(instrumentID uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	symbol, ok := m.symbols[instrumentID]
	return symbol, ok
}

// Reset drops all mappings, for a fresh connection.
func (m *PitSymbolMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = make(map[uint32]string)
}
