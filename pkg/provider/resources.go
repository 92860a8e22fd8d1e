package provider

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Resource quantity parsing shared by every provider. The conversions
// are part of the provider contract: all backends must agree bit for
// bit, and parse(format(x)) == x for canonical units.

// ParseCPU converts a cpu quantity to millicores. Accepted forms:
// "500m" (millicores), "2" / "0.5" (cores), "1000n" (nanocores,
// rounded to the nearest millicore).
func ParseCPU(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("cpu quantity is empty")
	}

	var millis float64
	switch {
	case strings.HasSuffix(s, "n"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "n"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q", s)
		}
		millis = v / 1e6
	case strings.HasSuffix(s, "m"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q", s)
		}
		millis = v
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q", s)
		}
		millis = v * 1000
	}

	if millis < 0 {
		return 0, fmt.Errorf("cpu quantity %q is negative", s)
	}
	return int64(math.Round(millis)), nil
}

// FormatCPU renders millicores canonically: whole cores without a
// suffix, otherwise millicores with the "m" suffix.
func FormatCPU(millis int64) string {
	if millis%1000 == 0 {
		return strconv.FormatInt(millis/1000, 10)
	}
	return strconv.FormatInt(millis, 10) + "m"
}

// memoryUnits ordered by size descending so FormatMemory picks the
// largest exact unit and ParseMemory matches the longest suffix first.
var memoryUnits = []struct {
	suffix string
	factor int64
}{
	{"Ti", 1 << 40},
	{"T", 1e12},
	{"Gi", 1 << 30},
	{"G", 1e9},
	{"Mi", 1 << 20},
	{"M", 1e6},
	{"Ki", 1 << 10},
	{"k", 1e3},
}

// ParseMemory converts a memory or storage quantity to bytes. Binary
// suffixes (Ki, Mi, Gi, Ti) and decimal suffixes (k, M, G, T) are
// accepted; a bare number is bytes.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("memory quantity is empty")
	}

	for _, u := range memoryUnits {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		num := strings.TrimSuffix(s, u.suffix)
		// "M" must not swallow the binary "Mi" forms; ordering above
		// guarantees two-letter suffixes match first.
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid memory quantity %q", s)
		}
		if v < 0 {
			return 0, fmt.Errorf("memory quantity %q is negative", s)
		}
		return int64(math.Round(v * float64(u.factor))), nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("memory quantity %q is negative", s)
	}
	return v, nil
}

// FormatMemory renders bytes with the largest unit that divides evenly,
// falling back to a bare byte count.
func FormatMemory(bytes int64) string {
	if bytes == 0 {
		return "0"
	}
	for _, u := range memoryUnits {
		if bytes%u.factor == 0 {
			return strconv.FormatInt(bytes/u.factor, 10) + u.suffix
		}
	}
	return strconv.FormatInt(bytes, 10)
}

// ParseRequests parses a template's resource block. Storage is optional.
func ParseRequests(cpu, memory, storage string) (*ResourceRequest, error) {
	cpuMillis, err := ParseCPU(cpu)
	if err != nil {
		return nil, err
	}
	memBytes, err := ParseMemory(memory)
	if err != nil {
		return nil, err
	}
	req := &ResourceRequest{CPUMillis: cpuMillis, MemoryBytes: memBytes}
	if storage != "" {
		storageBytes, err := ParseMemory(storage)
		if err != nil {
			return nil, err
		}
		req.StorageBytes = storageBytes
	}
	return req, nil
}
