package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a byte count read from human-readable strings such as
// "512Ki", "10MB" or a plain number. Bandwidth limits use it as bytes per
// second.
type ByteSize int64

const (
	KB ByteSize = 1000
	MB          = 1000 * KB
	GB          = 1000 * MB

	KiB ByteSize = 1024
	MiB          = 1024 * KiB
	GiB          = 1024 * MiB
)

var byteSizePattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z]*)\s*$`)

var unitMultipliers = map[string]ByteSize{
	"":    1,
	"b":   1,
	"k":   KB,
	"kb":  KB,
	"m":   MB,
	"mb":  MB,
	"g":   GB,
	"gb":  GB,
	"ki":  KiB,
	"kib": KiB,
	"mi":  MiB,
	"mib": MiB,
	"gi":  GiB,
	"gib": GiB,
}

// ParseByteSize parses "1Gi", "500Mi", "100MB", "1024" and the like.
func ParseByteSize(s string) (ByteSize, error) {
	m := byteSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	mult, ok := unitMultipliers[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit %q", m[2])
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(num * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// MarshalYAML writes the size in the form ParseByteSize reads.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGi", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMi", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKi", b/KiB)
	default:
		return strconv.FormatInt(int64(b), 10)
	}
}
