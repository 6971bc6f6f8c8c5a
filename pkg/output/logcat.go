package output

import (
	"fmt"
	"regexp"
	"strings"
)

// Logcat priority letters in display order
var logLevels = []struct {
	letter byte
	name   string
}{
	{'V', "Verbose"},
	{'D', "Debug"},
	{'I', "Info"},
	{'W', "Warning"},
	{'E', "Error"},
	{'F', "Fatal"},
}

var (
	// threadtime: "01-02 03:04:05.678  1234  5678 I Tag: msg"
	threadtimeLevel = regexp.MustCompile(`^\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\.\d{3}\s+\d+\s+\d+\s+([VDIWEF])\s`)
	// time: "01-02 03:04:05.678 I/Tag( 1234): msg", brief: "I/Tag( 1234): msg"
	timeLevel = regexp.MustCompile(`^(?:\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\.\d{3}\s+)?([VDIWEF])/`)
)

// LevelHistogram counts logcat lines per priority letter.
// Lines without a recognisable priority are counted in Total only.
type LevelHistogram struct {
	Total  int
	Counts map[byte]int
}

// LineLevel returns the priority letter of a logcat line, or 0.
func LineLevel(line string) byte {
	if m := threadtimeLevel.FindStringSubmatch(line); m != nil {
		return m[1][0]
	}
	if m := timeLevel.FindStringSubmatch(line); m != nil {
		return m[1][0]
	}
	return 0
}

// CountLevels builds the histogram for text.
func CountLevels(text string) LevelHistogram {
	h := LevelHistogram{Counts: make(map[byte]int, len(logLevels))}
	for _, line := range splitLines(text) {
		h.Total++
		if lvl := LineLevel(line); lvl != 0 {
			h.Counts[lvl]++
		}
	}
	return h
}

// SummaryHeader renders the histogram as a markdown table followed by the
// heading for the full output.
func SummaryHeader(h LevelHistogram) string {
	var b strings.Builder
	b.WriteString("## Logcat Summary\n\n")
	fmt.Fprintf(&b, "Total lines: %d\n\n", h.Total)
	b.WriteString("| Level | Count | Percentage |\n")
	b.WriteString("|-------|-------|------------|\n")
	for _, l := range logLevels {
		n := h.Counts[l.letter]
		pct := 0.0
		if h.Total > 0 {
			pct = float64(n) * 100 / float64(h.Total)
		}
		fmt.Fprintf(&b, "| %s | %d | %.1f%% |\n", l.name, n, pct)
	}
	b.WriteString("\nOutput is large. Narrow it with a filter such as \"ActivityManager:I *:S\" or fewer lines.\n\n")
	b.WriteString("## Full Logcat Output\n\n")
	return b.String()
}
