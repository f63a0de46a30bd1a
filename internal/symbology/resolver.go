package symbology

import (
	"strings"
	"sync"
)

// InstrumentID is the venue-qualified internal instrument identifier.
type InstrumentID struct {
	Symbol string
	Venue  string
}

// String renders the dotted form used in consumer commands, "SYMBOL.VENUE".
func (id InstrumentID) String() string {
	return id.Symbol + "." + id.Venue
}

// ParseInstrumentID splits the dotted form back into its parts. The venue is
// the text after the last dot so symbols may themselves contain dots.
func ParseInstrumentID(s string) (InstrumentID, bool) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return InstrumentID{}, false
	}
	return InstrumentID{Symbol: s[:i], Venue: s[i+1:]}, true
}

// SymbolResolver keeps the live symbol table: insertion-ordered
// InstrumentID to vendor symbol, with a reverse symbol to venue map. Writes
// happen at subscribe time, reads on every decoded record.
type SymbolResolver struct {
	mu      sync.RWMutex
	order   []InstrumentID
	forward map[InstrumentID]string
	venues  map[string]string
}

// NewSymbolResolver returns an empty resolver.
func NewSymbolResolver() *SymbolResolver {
	return &SymbolResolver{
		order:   nil,
		forward: make(map[InstrumentID]string),
		venues:  make(map[string]string),
	}
}

// Intern records the instrument in both maps and returns the vendor symbol
// to put on the wire. Re-interning an instrument is a no-op.
func (r *SymbolResolver) Intern(id InstrumentID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if symbol, ok := r.forward[id]; ok {
		return symbol
	}
	r.order = append(r.order, id)
	r.forward[id] = id.Symbol
	r.venues[id.Symbol] = id.Venue
	return id.Symbol
}

// VenueOf returns the venue a symbol was interned under.
func (r *SymbolResolver) VenueOf(symbol string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	venue, ok := r.venues[symbol]
	return venue, ok
}

// Promote replaces the venue recorded for a symbol, keeping insertion
// position. Used when exchange-as-venue promotion extracts a venue from an
// instrument definition.
func (r *SymbolResolver) Promote(symbol, venue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.venues[symbol]
	if !ok || old == venue {
		r.venues[symbol] = venue
		return
	}
	r.venues[symbol] = venue
	prior := InstrumentID{Symbol: symbol, Venue: old}
	for i, id := range r.order {
		if id == prior {
			r.order[i] = InstrumentID{Symbol: symbol, Venue: venue}
			delete(r.forward, prior)
			r.forward[r.order[i]] = symbol
			return
		}
	}
}

// Instruments returns the interned instruments in insertion order.
func (r *SymbolResolver) Instruments() []InstrumentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstrumentID, len(r.order))
	copy(out, r.order)
	return out
}
