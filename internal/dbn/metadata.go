package dbn

import (
	"encoding/binary"

	"github.com/solentix/feedmux/errs"
)

// metadata frame: 3-byte magic, 1-byte version, u32 big-endian payload
// length, payload. Payload integers are little-endian; every length prefix
// on the wire is big-endian.
var metadataMagic = [3]byte{'D', 'B', 'N'}

const metadataPrefixLen = 4 + 4

// maxMetadataLen bounds the metadata payload to reject garbage prefixes
// before allocating.
const maxMetadataLen = 1 << 20

// UpgradePolicy controls how records from older wire versions are decoded.
type UpgradePolicy uint8

const (
	// UpgradeAsIs passes old-version records through unchanged.
	UpgradeAsIs UpgradePolicy = iota
	// UpgradeToCurrent rewrites old-version records to the current layout
	// on read.
	UpgradeToCurrent
)

// Metadata describes the stream that follows it: wire version, dataset echo,
// optional uniform schema, symbology in/out, and the requested range.
type Metadata struct {
	Version  uint8
	Dataset  string
	Schema   Schema
	STypeIn  SType
	STypeOut SType
	TsOut    bool
	Start    uint64
	End      uint64
	Limit    uint64
	Symbols  []string
}

// HasMixedSchema reports whether the stream carries more than one record
// layout, which is the norm for live sessions.
func (m *Metadata) HasMixedSchema() bool {
	return m.Schema == SchemaNone
}

// EncodeMetadata renders the metadata frame. The live path never encodes;
// this is used by replay tooling and the scripted gateway in tests.
func EncodeMetadata(m *Metadata) []byte {
	payload := make([]byte, 0, 64)
	payload = appendString(payload, m.Dataset)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(m.Schema))
	payload = append(payload, byte(m.STypeIn), byte(m.STypeOut))
	if m.TsOut {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	payload = binary.LittleEndian.AppendUint64(payload, m.Start)
	payload = binary.LittleEndian.AppendUint64(payload, m.End)
	payload = binary.LittleEndian.AppendUint64(payload, m.Limit)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(m.Symbols)))
	for _, sym := range m.Symbols {
		payload = appendString(payload, sym)
	}

	frame := make([]byte, 0, metadataPrefixLen+len(payload))
	frame = append(frame, metadataMagic[:]...)
	version := m.Version
	if version == 0 {
		version = Version
	}
	frame = append(frame, version)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func parseMetadata(version uint8, payload []byte) (*Metadata, error) {
	r := byteReader{buf: payload}
	m := &Metadata{
		Version:  version,
		Dataset:  "",
		Schema:   SchemaNone,
		STypeIn:  STypeNone,
		STypeOut: STypeNone,
		TsOut:    false,
		Start:    0,
		End:      0,
		Limit:    0,
		Symbols:  nil,
	}

	var err error
	if m.Dataset, err = r.string(); err != nil {
		return nil, err
	}
	schema, err := r.u16()
	if err != nil {
		return nil, err
	}
	m.Schema = Schema(schema)
	stypeIn, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.STypeIn = SType(stypeIn)
	stypeOut, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.STypeOut = SType(stypeOut)
	tsOut, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.TsOut = tsOut == 1
	if m.Start, err = r.u64(); err != nil {
		return nil, err
	}
	if m.End, err = r.u64(); err != nil {
		return nil, err
	}
	if m.Limit, err = r.u64(); err != nil {
		return nil, err
	}
	count, err := r.u32be()
	if err != nil {
		return nil, err
	}
	if count > uint32(len(payload)) {
		return nil, errs.New("dbn/metadata", errs.CodeDecode,
			errs.WithMessage("symbol count exceeds payload"))
	}
	m.Symbols = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		sym, err := r.string()
		if err != nil {
			return nil, err
		}
		m.Symbols = append(m.Symbols, sym)
	}
	return m, nil
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) need(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, errs.New("dbn/metadata", errs.CodeDecode,
			errs.WithMessage("truncated metadata payload"),
			errs.WithOffset(int64(r.pos)))
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) u8() (uint8, error) {
	b, err := r.need(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) u16() (uint16, error) {
	b, err := r.need(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *byteReader) u32be() (uint32, error) {
	b, err := r.need(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.need(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) string() (string, error) {
	b, err := r.need(2)
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(b))
	s, err := r.need(n)
	if err != nil {
		return "", err
	}
	return string(s), nil
}
