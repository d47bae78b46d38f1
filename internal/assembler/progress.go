package assembler

import (
	"regexp"
	"strconv"
)

// ProgressBase is the share of the run consumed by pre-flight work.
const ProgressBase = 20.0

// maxRunningProgress keeps the reported value below 100 until the run succeeds.
const maxRunningProgress = 99.0

var progressLine = regexp.MustCompile(`Lote\s+(\d+)\s+de\s+(\d+),\s*Duracao:\s*([0-9]+(?:\.[0-9]+)?),\s*Concluido=([0-9]+(?:\.[0-9]+)?)`)

// Overall maps batch i of n, with c of d seconds encoded, onto the 0-100 scale.
func Overall(base float64, i, n int, d, c float64) float64 {
	if n < 1 {
		return base
	}
	if i < 1 {
		i = 1
	}
	if i > n {
		i = n
	}
	fraction := 0.0
	if d > 0 {
		fraction = c / d
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	perBatch := (100 - base) / float64(n)
	return base + perBatch*float64(i-1) + perBatch*fraction
}

// ParseProgress extracts (i, n, d, c) from an encoder log line.
func ParseProgress(line string) (i, n int, d, c float64, ok bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, 0, 0, false
	}
	i, err1 := strconv.Atoi(m[1])
	n, err2 := strconv.Atoi(m[2])
	d, err3 := strconv.ParseFloat(m[3], 64)
	c, err4 := strconv.ParseFloat(m[4], 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return 0, 0, 0, 0, false
	}
	return i, n, d, c, true
}

// ProgressMapper turns encoder log lines into a strictly increasing
// percentage. Values that would not move the needle are dropped.
type ProgressMapper struct {
	base float64
	last float64
}

func NewProgressMapper(base float64) *ProgressMapper {
	return &ProgressMapper{base: base, last: -1}
}

// Feed parses line and returns the new percentage if it advanced.
func (m *ProgressMapper) Feed(line string) (float64, bool) {
	i, n, d, c, ok := ParseProgress(line)
	if !ok {
		return 0, false
	}
	return m.Advance(Overall(m.base, i, n, d, c))
}

// Advance reports p if it is strictly greater than the last reported value.
func (m *ProgressMapper) Advance(p float64) (float64, bool) {
	if p > maxRunningProgress {
		p = maxRunningProgress
	}
	if p <= m.last {
		return 0, false
	}
	m.last = p
	return p, true
}

// Complete marks success; it is the only way to reach 100.
func (m *ProgressMapper) Complete() float64 {
	m.last = 100
	return 100
}
