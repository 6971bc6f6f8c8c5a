package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineLevel(t *testing.T) {
	tests := []struct {
		line string
		want byte
	}{
		{"01-15 10:30:45.123  1234  5678 E AndroidRuntime: FATAL EXCEPTION: main", 'E'},
		{"01-15 10:30:45.123  1234  5678 I ActivityManager: Start proc", 'I'},
		{"01-15 10:30:45.123 W/PackageManager( 1234): Failed", 'W'},
		{"D/Zygote( 321): forked", 'D'},
		{"--------- beginning of main", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LineLevel(tt.line), tt.line)
	}
}

func TestCountLevelsAndSummary(t *testing.T) {
	text := "--------- beginning of main\n" +
		"01-15 10:30:45.123  1234  5678 I Tag: one\n" +
		"01-15 10:30:45.124  1234  5678 I Tag: two\n" +
		"01-15 10:30:45.125  1234  5678 E Tag: three\n"

	h := CountLevels(text)
	assert.Equal(t, 4, h.Total)
	assert.Equal(t, 2, h.Counts['I'])
	assert.Equal(t, 1, h.Counts['E'])
	assert.Equal(t, 0, h.Counts['F'])

	summary := SummaryHeader(h)
	assert.Contains(t, summary, "## Logcat Summary")
	assert.Contains(t, summary, "| Info | 2 | 50.0% |")
	assert.Contains(t, summary, "| Error | 1 | 25.0% |")
	assert.Contains(t, summary, "| Fatal | 0 | 0.0% |")
	assert.Contains(t, summary, "## Full Logcat Output")
}
