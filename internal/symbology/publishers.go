// Package symbology maps vendor identifiers onto venue-qualified internal
// identifiers: publisher ids to venues, symbols to venues, and upstream
// numeric instrument ids to raw symbols.
package symbology

import (
	"os"

	"github.com/goccy/go-json"

	"github.com/solentix/feedmux/errs"
)

// Publisher is one row of the vendor's publisher manifest.
type Publisher struct {
	PublisherID uint16 `json:"publisher_id"`
	Dataset     string `json:"dataset"`
	Venue       string `json:"venue"`
	Description string `json:"description"`
}

// PublisherTable maps publisher ids to venues and venues to datasets. It is
// populated once at startup and read lock-free afterwards.
type PublisherTable struct {
	publishers []Publisher
	byID       map[uint16]string
	byVenue    map[string]string
}

// LoadPublishers parses the JSON manifest at path into a PublisherTable.
func LoadPublishers(path string) (*PublisherTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("symbology/publishers", errs.CodeUnavailable,
			errs.WithMessage("reading publisher manifest"), errs.WithCause(err))
	}
	return ParsePublishers(raw)
}

// ParsePublishers builds a PublisherTable from manifest bytes.
func ParsePublishers(raw []byte) (*PublisherTable, error) {
	var publishers []Publisher
	if err := json.Unmarshal(raw, &publishers); err != nil {
		return nil, errs.New("symbology/publishers", errs.CodeDecode,
			errs.WithMessage("parsing publisher manifest"), errs.WithCause(err))
	}
	t := &PublisherTable{
		publishers: publishers,
		byID:       make(map[uint16]string, len(publishers)),
		byVenue:    make(map[string]string, len(publishers)),
	}
	for _, p := range publishers {
		t.byID[p.PublisherID] = p.Venue
		// first dataset listed for a venue wins, matching manifest order
		if _, ok := t.byVenue[p.Venue]; !ok {
			t.byVenue[p.Venue] = p.Dataset
		}
	}
	return t, nil
}

// Venue returns the venue code for a record's publisher id.
func (t *PublisherTable) Venue(publisherID uint16) (string, bool) {
	venue, ok := t.byID[publisherID]
	return venue, ok
}

// DatasetForVenue returns the dataset that serves a venue.
func (t *PublisherTable) DatasetForVenue(venue string) (string, error) {
	dataset, ok := t.byVenue[venue]
	if !ok {
		return "", errs.New("symbology/publishers", errs.CodeNotFound,
			errs.WithMessage("no dataset for venue "+venue))
	}
	return dataset, nil
}

// Publishers returns the manifest rows in file order.
func (t *PublisherTable) Publishers() []Publisher {
	return t.publishers
}
