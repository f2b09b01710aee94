package runner

import (
	"fmt"
	"strconv"
)

// Size stores a byte count, e.g. peak memory usage. Capped at 64 bits.
type Size uint64

func (s Size) String() string {
	t := uint64(s)
	switch {
	case t < 1<<10:
		return fmt.Sprintf("%d B", t)
	case t < 1<<20:
		return fmt.Sprintf("%.1f KiB", float64(t)/float64(1<<10))
	case t < 1<<30:
		return fmt.Sprintf("%.1f MiB", float64(t)/float64(1<<20))
	default:
		return fmt.Sprintf("%.1f GiB", float64(t)/float64(1<<30))
	}
}

// Set parses a size string such as "10K", "5M", or "2G" into s.
func (s *Size) Set(str string) error {
	switch str[len(str)-1] {
	case 'b', 'B':
		str = str[:len(str)-1]
	}

	factor := 0
	switch str[len(str)-1] {
	case 'k', 'K':
		factor = 10
		str = str[:len(str)-1]
	case 'm', 'M':
		factor = 20
		str = str[:len(str)-1]
	case 'g', 'G':
		factor = 30
		str = str[:len(str)-1]
	}

	t, err := strconv.Atoi(str)
	if err != nil {
		return err
	}
	*s = Size(t << factor)
	return nil
}

func (s Size) Byte() uint64 { return uint64(s) }
func (s Size) KiB() uint64  { return uint64(s) >> 10 }
func (s Size) MiB() uint64  { return uint64(s) >> 20 }
func (s Size) GiB() uint64  { return uint64(s) >> 30 }
func (s Size) TiB() uint64  { return uint64(s) >> 40 }
func (s Size) PiB() uint64  { return uint64(s) >> 50 }
func (s Size) EiB() uint64  { return uint64(s) >> 60 }
