package wire

import "strconv"

// EncoderFlags is the 32-bit ScanSync flags bitset carried on every
// ScanSync announcement frame (§6). Per the design note resolving the
// "two distinct EncoderFlags definitions" open question, this adopts the
// extended definition (including LASER_DISABLE and AUX_Y); firmware that
// predates those bits simply never sets them, which this type reads as
// zero rather than rejecting.
type EncoderFlags uint32

// Bits, low to high, matching the contractual order in §6.
const (
	FlagFaultA EncoderFlags = 1 << iota
	FlagFaultB
	FlagFaultY
	FlagFaultZ
	FlagOverrun
	FlagTerminationEnable
	FlagIndexZ
	FlagSync
	FlagAuxY
	FlagFaultSync
	FlagLaserDisable
	FlagFaultLaserDisable
)

// allFlags is the explicit low-to-high enumeration order used by Bits, per
// the design note "Iteration over all flag bits": no reflection, no map
// iteration, just this literal list.
var allFlags = []struct {
	bit  EncoderFlags
	name string
}{
	{FlagFaultA, "FAULT_A"},
	{FlagFaultB, "FAULT_B"},
	{FlagFaultY, "FAULT_Y"},
	{FlagFaultZ, "FAULT_Z"},
	{FlagOverrun, "OVERRUN"},
	{FlagTerminationEnable, "TERMINATION_ENABLE"},
	{FlagIndexZ, "INDEX_Z"},
	{FlagSync, "SYNC"},
	{FlagAuxY, "AUX_Y"},
	{FlagFaultSync, "FAULT_SYNC"},
	{FlagLaserDisable, "LASER_DISABLE"},
	{FlagFaultLaserDisable, "FAULT_LASER_DISABLE"},
}

// Has reports whether bit is set in f.
func (f EncoderFlags) Has(bit EncoderFlags) bool {
	return f&bit != 0
}

// Bits returns the set bits of f in defined low-to-high order, each paired
// with its symbolic name.
func (f EncoderFlags) Bits() []string {
	var names []string
	for _, e := range allFlags {
		if f.Has(e.bit) {
			names = append(names, e.name)
		}
	}
	return names
}

// ScanSyncRecord describes one ScanSync module observed via discovery or an
// announcement frame (§3, §6).
type ScanSyncRecord struct {
	Serial          uint32
	FirmwareVersion FirmwareVersion
	IP              string // empty for firmware <2.1.0 per §4.2
	Flags           EncoderFlags
}

// FirmwareVersion is a (major, minor, patch) triple as carried by discovery
// responses and announcement frames (§6).
type FirmwareVersion struct {
	Major, Minor, Patch uint16
}

// AtLeast reports whether v is greater than or equal to (major, minor, patch).
func (v FirmwareVersion) AtLeast(major, minor, patch uint16) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

func (v FirmwareVersion) String() string {
	return strconv.Itoa(int(v.Major)) + "." + strconv.Itoa(int(v.Minor)) + "." + strconv.Itoa(int(v.Patch))
}
