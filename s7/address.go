// Package s7 addresses and accesses the I, Q, M and DB memory areas of
// Siemens S7 PLCs over ISO-on-TCP.
package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Area represents an S7 memory area.
type Area int

const (
	AreaI  Area = iota + 1 // Process Image Input (IB, IW, ID)
	AreaQ                  // Process Image Output (QB, QW, QD)
	AreaM                  // Merker/Flag (MB, MW, MD)
	AreaDB                 // Data Block
)

// Areas lists the supported areas in their canonical order.
var Areas = []Area{AreaI, AreaQ, AreaM, AreaDB}

// String returns the area name.
func (a Area) String() string {
	switch a {
	case AreaI:
		return "I"
	case AreaQ:
		return "Q"
	case AreaM:
		return "M"
	case AreaDB:
		return "DB"
	default:
		return "?"
	}
}

// Valid reports whether a is one of the four addressable areas.
func (a Area) Valid() bool {
	return a >= AreaI && a <= AreaDB
}

// ParseArea converts an area name to an Area.
// Both the short S7 letters and the long names are accepted, case-insensitively.
func ParseArea(s string) (Area, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "I", "E", "INPUT", "INPUTS":
		return AreaI, nil
	case "Q", "A", "OUTPUT", "OUTPUTS":
		return AreaQ, nil
	case "M", "MARKER", "MERKER", "FLAG", "FLAGS":
		return AreaM, nil
	case "DB", "DATABLOCK", "DATA_BLOCK":
		return AreaDB, nil
	}
	return 0, fmt.Errorf("unknown area: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Area) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown area: %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Area) UnmarshalText(text []byte) error {
	area, err := ParseArea(string(text))
	if err != nil {
		return err
	}
	*a = area
	return nil
}

// Address represents a parsed S7 memory address.
type Address struct {
	Area     Area // Memory area (I, Q, M, DB)
	DBNumber int  // Data block number (only for AreaDB)
	Offset   int  // Byte offset
	BitNum   int  // Bit number (0-7 for bit access, -1 otherwise)
	Size     int  // Size in bytes implied by the address, 0 if unspecified
}

// Regular expressions for parsing S7 addresses
var (
	// DB addresses: DB1.DBX0.0 (bit), DB1.DBB0 (byte), DB1.DBW0 (word), DB1.DBD0 (dword)
	reDB = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.(\d))?$`)

	// Simple DB addresses: DB1.0 (offset only, size from the variable type)
	reDBSimple = regexp.MustCompile(`^DB(\d+)\.(\d+)$`)

	// I/Q/M addresses: M0.0 (bit), MB0 (byte), MW0 (word), MD0 (dword)
	reIQM = regexp.MustCompile(`^([IQM])([XBWD])?(\d+)(?:\.(\d))?$`)
)

// ParseAddress parses an S7 address string and returns an Address.
// Supported formats:
//   - DB1.0      - Data Block with offset
//   - DB1.DBX0.0 - Data Block bit
//   - DB1.DBB0, DB1.DBW0, DB1.DBD0 - Data Block byte/word/dword
//   - M0.0, MB0, MW0, MD0 - Merker
//   - I0.0, IB0, IW0, ID0 - Input
//   - Q0.0, QB0, QW0, QD0 - Output
func ParseAddress(addr string) (*Address, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return nil, fmt.Errorf("empty address")
	}

	if m := reDBSimple.FindStringSubmatch(addr); m != nil {
		dbNum, _ := strconv.Atoi(m[1])
		offset, _ := strconv.Atoi(m[2])
		return &Address{Area: AreaDB, DBNumber: dbNum, Offset: offset, BitNum: -1}, nil
	}

	if m := reDB.FindStringSubmatch(addr); m != nil {
		dbNum, _ := strconv.Atoi(m[1])
		offset, _ := strconv.Atoi(m[3])
		a := &Address{Area: AreaDB, DBNumber: dbNum, Offset: offset, BitNum: -1}
		if err := applyTypeLetter(a, m[2], m[4], true); err != nil {
			return nil, err
		}
		return a, nil
	}

	if m := reIQM.FindStringSubmatch(addr); m != nil {
		area, _ := ParseArea(m[1])
		offset, _ := strconv.Atoi(m[3])
		a := &Address{Area: area, Offset: offset, BitNum: -1}
		letter := m[2]
		if letter == "" {
			letter = "X" // M0 means M0.0
		}
		if err := applyTypeLetter(a, letter, m[4], false); err != nil {
			return nil, err
		}
		return a, nil
	}

	return nil, fmt.Errorf("invalid S7 address format: %s", addr)
}

func applyTypeLetter(a *Address, letter, bit string, bitRequired bool) error {
	switch letter {
	case "X":
		if bit == "" {
			if bitRequired {
				return fmt.Errorf("DBX requires bit number (e.g., DB1.DBX0.0)")
			}
			bit = "0"
		}
		bitNum, _ := strconv.Atoi(bit)
		if bitNum < 0 || bitNum > 7 {
			return fmt.Errorf("bit number must be 0-7, got %d", bitNum)
		}
		a.BitNum = bitNum
		a.Size = 1
	case "B":
		a.Size = 1
	case "W":
		a.Size = 2
	case "D":
		a.Size = 4
	default:
		return fmt.Errorf("unknown type: %s", letter)
	}
	if bit != "" && letter != "X" {
		return fmt.Errorf("bit number only valid for bit access")
	}
	return nil
}

// FormatAddress returns the canonical byte address for an area location,
// e.g. "DB1.DBB4", "MB4", "IB0".
func FormatAddress(area Area, dbNumber, offset int) string {
	if area == AreaDB {
		return fmt.Sprintf("DB%d.DBB%d", dbNumber, offset)
	}
	return fmt.Sprintf("%sB%d", area, offset)
}
