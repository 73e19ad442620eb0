// Package units provides the length-unit system selectable once per scan
// system (Inches or Millimetres) and conversion helpers between them.
package units

import "fmt"

// Unit identifies the length unit a ScanSystem reports coordinates in.
type Unit string

// Unit constants. A scan system picks exactly one of these at construction
// time; it is not changeable afterwards.
const (
	Inches      Unit = "inches"
	Millimetres Unit = "millimetres"
)

// ValidUnits contains all valid unit values, in declaration order.
var ValidUnits = []Unit{Inches, Millimetres}

// IsValid reports whether u is a recognised length unit.
func IsValid(u Unit) bool {
	for _, valid := range ValidUnits {
		if u == valid {
			return true
		}
	}
	return false
}

// ValidUnitsString returns a comma-separated string of valid units for error messages.
func ValidUnitsString() string {
	return "inches, millimetres"
}

const mmPerInch = 25.4

// ToMillimetres converts a value expressed in u to millimetres.
func ToMillimetres(value float64, u Unit) (float64, error) {
	switch u {
	case Millimetres:
		return value, nil
	case Inches:
		return value * mmPerInch, nil
	default:
		return 0, fmt.Errorf("units: unknown unit %q, expected one of %s", u, ValidUnitsString())
	}
}

// FromMillimetres converts a value expressed in millimetres to u.
func FromMillimetres(valueMM float64, u Unit) (float64, error) {
	switch u {
	case Millimetres:
		return valueMM, nil
	case Inches:
		return valueMM / mmPerInch, nil
	default:
		return 0, fmt.Errorf("units: unknown unit %q, expected one of %s", u, ValidUnitsString())
	}
}

// Convert converts a value from one unit system to another.
func Convert(value float64, from, to Unit) (float64, error) {
	mm, err := ToMillimetres(value, from)
	if err != nil {
		return 0, err
	}
	return FromMillimetres(mm, to)
}
