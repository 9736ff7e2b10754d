package archon

// ModType identifies the kind of backplane module installed in a given
// slot, as reported by the MODn_TYPE key of a SYSTEM reply.
type ModType int

const (
	ModTypeNone ModType = iota
	ModTypeDriver
	ModTypeAD
	ModTypeLVBias
	ModTypeHVBias
	ModTypeHeater
	ModTypeBias
	ModTypeXVBias
	ModTypeLVXBias
	ModTypeHeaterX
	ModTypeLVDS
	ModTypeHS
	ModTypeHVXBias
	ModTypeLVPower
	ModTypeXVHeater
	ModTypeADF
	ModTypeCurrent
	ModTypeUnknown
)

var modTypeNames = map[ModType]string{
	ModTypeNone:     "NONE",
	ModTypeDriver:   "DRIVER",
	ModTypeAD:       "AD",
	ModTypeLVBias:   "LVBIAS",
	ModTypeHVBias:   "HVBIAS",
	ModTypeHeater:   "HEATER",
	ModTypeBias:     "BIAS",
	ModTypeXVBias:   "XVBIAS",
	ModTypeLVXBias:  "LVXBIAS",
	ModTypeHeaterX:  "HEATERX",
	ModTypeLVDS:     "LVDS",
	ModTypeHS:       "HS",
	ModTypeHVXBias:  "HVXBIAS",
	ModTypeLVPower:  "LVPOWER",
	ModTypeXVHeater: "XVHEATER",
	ModTypeADF:      "ADF",
	ModTypeCurrent:  "CURRENT",
	ModTypeUnknown:  "UNKNOWN",
}

// ModTypeName returns the symbolic name for a module type code, or UNKNOWN
// for a code outside the known set.
func ModTypeName(code int) string {
	if name, ok := modTypeNames[ModType(code)]; ok {
		return name
	}
	return modTypeNames[ModTypeUnknown]
}
