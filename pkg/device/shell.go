package device

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"Droidlink/pkg/journal"
	"Droidlink/pkg/output"
	"Droidlink/pkg/types"
)

// Commands that tend to flood the caller. They are capped even when the
// caller asked for no line limit.
var largeOutputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bcat\s+`),
	regexp.MustCompile(`\bgrep\s+.+\s+-r`),
	regexp.MustCompile(`\bfind\s+.+`),
	regexp.MustCompile(`\bls\s+-[RalL]`),
	regexp.MustCompile(`\bdumpsys\b`),
	regexp.MustCompile(`\bpm\s+list\b`),
}

// last pipeline stage already limits the output
var filteredPipe = regexp.MustCompile(`\|\s*(head|tail|grep|wc)\b[^|]*$`)

// LikelyLargeOutput reports whether command matches a large-output pattern
// and is not already piped through a limiting filter.
func LikelyLargeOutput(command string) bool {
	if filteredPipe.MatchString(command) {
		return false
	}
	for _, p := range largeOutputPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// effectiveLineCap applies the large-output cap to a requested line limit.
// 0 means no limit, negative means the last N lines.
func effectiveLineCap(command string, maxLines, largeCap int) int {
	if maxLines < 0 || largeCap <= 0 {
		return maxLines
	}
	if LikelyLargeOutput(command) && (maxLines == 0 || maxLines > largeCap) {
		return largeCap
	}
	return maxLines
}

// resolveMaxSize maps 0 to the configured default and negatives to no cap.
func resolveMaxSize(maxSize, def int) int {
	switch {
	case maxSize == 0:
		return def
	case maxSize < 0:
		return 0
	}
	return maxSize
}

// Shell runs command on serial and returns the bounded output text.
//
// maxLines > 0 keeps the first lines, maxLines < 0 keeps the last lines and 0
// applies no line limit. maxSize 0 uses the configured default and a negative
// maxSize disables the byte cap. A truncated result ends with a marker line.
func (f *Facade) Shell(ctx context.Context, serial, command string, maxLines, maxSize int) (string, error) {
	res, err := f.ShellBounded(ctx, serial, command, maxLines, maxSize)
	return res.Text, err
}

// ShellBounded is Shell returning the truncation details as well.
func (f *Facade) ShellBounded(ctx context.Context, serial, command string, maxLines, maxSize int) (types.BoundedOutput, error) {
	if strings.TrimSpace(command) == "" {
		return types.BoundedOutput{}, fmt.Errorf("%w: command cannot be empty", types.ErrInvalidArgument)
	}
	limits := f.Limits()
	maxSize = resolveMaxSize(maxSize, limits.DefaultMaxSize)
	lineCap := effectiveLineCap(command, maxLines, limits.LargeOutputLineCap)

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return types.BoundedOutput{}, err
	}
	defer release()

	remote := command
	if lineCap < 0 {
		remote = command + " | tail -n " + strconv.Itoa(-lineCap)
	}

	started := time.Now()
	out, err := f.shell(ctx, s, "shell", remote)
	f.record(serial, journal.KindShell, started, err, map[string]interface{}{
		"command":     clip(command, 200),
		"outputBytes": len(out),
	})
	if err != nil {
		return types.BoundedOutput{}, err
	}

	if lineCap < 0 {
		return output.BoundTail(out, -lineCap, maxSize), nil
	}
	return output.Bound(out, lineCap, maxSize), nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ========================================
// Logcat
// ========================================

var logcatFilterStrip = strings.NewReplacer(";", "", "&", "", "|", "", "<", "", ">", "", "$", "", "`", "", "\n", " ", "\r", " ")

// SanitizeLogcatFilter removes shell metacharacters from a filter expression.
func SanitizeLogcatFilter(filter string) string {
	return strings.TrimSpace(logcatFilterStrip.Replace(filter))
}

// GetLogcat dumps the log buffer. lines > 0 limits the dump to the most recent
// lines. When the dump is larger than the summary threshold, a per-level
// summary is placed ahead of the text.
func (f *Facade) GetLogcat(ctx context.Context, serial string, lines int, filter string, maxSize int) (types.BoundedOutput, error) {
	limits := f.Limits()
	maxSize = resolveMaxSize(maxSize, limits.DefaultMaxSize)

	cmd := "logcat -d -v threadtime"
	if lines > 0 {
		cmd += " -t " + strconv.Itoa(lines)
	}
	if safe := SanitizeLogcatFilter(filter); safe != "" {
		cmd += " " + safe
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return types.BoundedOutput{}, err
	}
	defer release()

	started := time.Now()
	raw, err := f.shell(ctx, s, "logcat", cmd)
	f.record(serial, journal.KindLogcat, started, err, map[string]interface{}{"outputBytes": len(raw)})
	if err != nil {
		return types.BoundedOutput{}, err
	}

	res := output.Bound(raw, 0, maxSize)
	if limits.LogcatSummaryThreshold > 0 && len(raw) > limits.LogcatSummaryThreshold {
		res.Text = output.SummaryHeader(output.CountLevels(raw)) + res.Text
	}
	return res, nil
}
