package dbn

import (
	"strings"

	"github.com/solentix/feedmux/errs"
)

// Schema names an upstream record layout requested on subscribe.
type Schema uint16

const (
	// SchemaMbo streams full-depth book events.
	SchemaMbo Schema = iota
	// SchemaMbp1 streams top-of-book quotes.
	SchemaMbp1
	// SchemaTrades streams trade ticks.
	SchemaTrades
	// SchemaOhlcv1s streams one-second bars.
	SchemaOhlcv1s
	// SchemaOhlcv1m streams one-minute bars.
	SchemaOhlcv1m
	// SchemaOhlcv1h streams one-hour bars.
	SchemaOhlcv1h
	// SchemaOhlcv1d streams one-day bars.
	SchemaOhlcv1d
	// SchemaDefinition streams instrument definitions.
	SchemaDefinition
	// SchemaStatus streams instrument status changes.
	SchemaStatus
	// SchemaImbalance streams auction imbalance updates.
	SchemaImbalance
	// SchemaStatistics streams venue statistics.
	SchemaStatistics
)

// SchemaNone is the sentinel for a session with mixed schemas.
const SchemaNone Schema = 0xFFFF

var schemaNames = map[Schema]string{
	SchemaMbo:        "mbo",
	SchemaMbp1:       "mbp-1",
	SchemaTrades:     "trades",
	SchemaOhlcv1s:    "ohlcv-1s",
	SchemaOhlcv1m:    "ohlcv-1m",
	SchemaOhlcv1h:    "ohlcv-1h",
	SchemaOhlcv1d:    "ohlcv-1d",
	SchemaDefinition: "definition",
	SchemaStatus:     "status",
	SchemaImbalance:  "imbalance",
	SchemaStatistics: "statistics",
}

func (s Schema) String() string {
	if name, ok := schemaNames[s]; ok {
		return name
	}
	return "unknown"
}

// BarRType returns the record type an ohlcv schema streams, or zero for
// non-bar schemas.
func (s Schema) BarRType() RType {
	switch s {
	case SchemaOhlcv1s:
		return RTypeOhlcv1s
	case SchemaOhlcv1m:
		return RTypeOhlcv1m
	case SchemaOhlcv1h:
		return RTypeOhlcv1h
	case SchemaOhlcv1d:
		return RTypeOhlcv1d
	default:
		return 0
	}
}

// ParseSchema resolves a schema name to its enum value.
func ParseSchema(name string) (Schema, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for schema, n := range schemaNames {
		if n == trimmed {
			return schema, nil
		}
	}
	return SchemaNone, errs.New("dbn/schema", errs.CodeInvalid,
		errs.WithMessage("unknown schema "+name))
}

// SType names a symbology type for subscribe and range requests.
type SType uint8

const (
	// STypeRawSymbol addresses instruments by vendor ticker.
	STypeRawSymbol SType = iota
	// STypeInstrumentID addresses instruments by upstream numeric id.
	STypeInstrumentID
	// STypeContinuous addresses futures by continuous contract notation.
	STypeContinuous
	// STypeParent addresses whole product families.
	STypeParent
)

// STypeNone is the sentinel for metadata without a symbology echo.
const STypeNone SType = 0xFF

var stypeNames = map[SType]string{
	STypeRawSymbol:    "raw_symbol",
	STypeInstrumentID: "instrument_id",
	STypeContinuous:   "continuous",
	STypeParent:       "parent",
}

func (s SType) String() string {
	if name, ok := stypeNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSType resolves a symbology type name to its enum value.
func ParseSType(name string) (SType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for stype, n := range stypeNames {
		if n == trimmed {
			return stype, nil
		}
	}
	return STypeNone, errs.New("dbn/stype", errs.CodeInvalid,
		errs.WithMessage("unknown stype "+name))
}

// InferSType infers the symbology type for a symbol list: all-numeric
// symbols address instruments by upstream id, anything else is a raw ticker.
func InferSType(symbols []string) SType {
	if len(symbols) == 0 {
		return STypeRawSymbol
	}
	for _, sym := range symbols {
		if !isNumeric(sym) {
			return STypeRawSymbol
		}
	}
	return STypeInstrumentID
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
