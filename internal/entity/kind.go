package entity

import "strings"

// Kind identifies the canonical entity class a raw parser record maps to.
type Kind string

const (
	KindLine        Kind = "LINE"
	KindLWPolyline  Kind = "LWPOLYLINE"
	KindPolyline2D  Kind = "POLYLINE_2D"
	KindPolyline3D  Kind = "POLYLINE_3D"
	KindVertex2D    Kind = "VERTEX_2D"
	KindCircle      Kind = "CIRCLE"
	KindArc         Kind = "ARC"
	KindText        Kind = "TEXT"
	KindMText       Kind = "MTEXT"
	KindAttrib      Kind = "ATTRIB"
	KindAttdef      Kind = "ATTDEF"
	KindInsert      Kind = "INSERT"
	KindBlock       Kind = "BLOCK"
	KindMultileader Kind = "MULTILEADER"
	KindScaleInfo   Kind = "SCALE_INFO"
)

// kindByCode translates DWG numeric object type codes to canonical kinds.
// Codes follow the libredwg fixed-type numbering.
var kindByCode = map[int64]Kind{
	1:  KindText,
	2:  KindAttrib,
	3:  KindAttdef,
	4:  KindBlock,
	7:  KindInsert,
	11: KindVertex2D,
	19: KindPolyline2D,
	20: KindPolyline3D,
	21: KindArc,
	22: KindCircle,
	23: KindLine,
	44: KindMText,
	77: KindLWPolyline,
}

// kindByName accepts the canonical spellings plus common parser aliases.
var kindByName = map[string]Kind{
	"LINE":        KindLine,
	"LWPOLYLINE":  KindLWPolyline,
	"POLYLINE_2D": KindPolyline2D,
	"POLYLINE_3D": KindPolyline3D,
	"VERTEX_2D":   KindVertex2D,
	"CIRCLE":      KindCircle,
	"ARC":         KindArc,
	"TEXT":        KindText,
	"MTEXT":       KindMText,
	"ATTRIB":      KindAttrib,
	"ATTDEF":      KindAttdef,
	"INSERT":      KindInsert,
	"BLOCK":       KindBlock,
	"MULTILEADER": KindMultileader,
	"SCALE_INFO":  KindScaleInfo,
}

// KindFromCode resolves a DWG numeric type code.
func KindFromCode(code int64) (Kind, bool) {
	k, ok := kindByCode[code]
	return k, ok
}

// KindFromName resolves a textual entity type, case-insensitively.
func KindFromName(name string) (Kind, bool) {
	k, ok := kindByName[strings.ToUpper(strings.TrimSpace(name))]
	return k, ok
}
