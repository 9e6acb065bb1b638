package detect

import (
	"math"
	"strings"
)

// Linux mmap/mprotect protection bits.
const (
	protWrite = 0x2
	protExec  = 0x4
)

// Paths a legitimate program rarely maps executable code from.
var suspiciousImageDirs = []string{
	"/tmp/",
	"/var/tmp/",
	"/dev/shm/",
	"/run/user/",
}

// Entropy computes the Shannon entropy of s in bits per character, ignoring
// dots and folding ASCII case. Ordinary host labels score 2.5 to 3.5; random
// labels from domain generation algorithms score above 3.8.
func Entropy(s string) float64 {
	var freq [256]int
	count := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		freq[c]++
		count++
	}
	if count == 0 {
		return 0
	}

	var h float64
	for _, f := range freq {
		if f > 0 {
			p := float64(f) / float64(count)
			h -= p * math.Log2(p)
		}
	}
	return h
}

// IsDGADomain applies the generated-domain heuristics to the left-most
// label of name.
func IsDGADomain(name string) bool {
	if name == "" {
		return false
	}
	sub := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		sub = name[:i]
	}

	if len(sub) > 20 {
		return true
	}
	if Entropy(sub) > 3.8 {
		return true
	}

	digits := 0
	for i := 0; i < len(sub); i++ {
		if sub[i] >= '0' && sub[i] <= '9' {
			digits++
		}
	}
	if len(sub) > 5 && float64(digits)/float64(len(sub)) > 0.3 {
		return true
	}

	if len(sub) > 8 && !strings.ContainsAny(strings.ToLower(sub), "aeiou") {
		return true
	}
	return false
}

// IsSuspiciousImagePath reports executable mappings from world-writable
// scratch locations.
func IsSuspiciousImagePath(path string) bool {
	for _, dir := range suspiciousImageDirs {
		if strings.HasPrefix(path, dir) {
			return true
		}
	}
	return false
}

// IsWritableExecutable reports a mapping that is both writable and
// executable.
func IsWritableExecutable(prot uint32) bool {
	return prot&(protWrite|protExec) == protWrite|protExec
}
