// Package output turns unbounded command and log text into capped responses.
//
// Line caps keep the first N lines. When the result is still larger than the
// byte cap, short outputs (at most BlobLineThreshold lines) are cut hard with
// an inline size notice, and longer outputs keep their head and tail with a
// one-line notice for the omitted middle. Notices are reserved inside the byte
// cap. Whenever anything was dropped a truncation marker line is appended.
package output

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"Droidlink/pkg/types"
)

// BlobLineThreshold is the largest line count treated as a blob for hard truncation.
const BlobLineThreshold = 10

const markerFormat = "[output truncated: %d lines, %d bytes]"

// Marker returns the truncation marker line for the given original sizes.
func Marker(lines, bytes int) string {
	return fmt.Sprintf(markerFormat, lines, bytes)
}

// CountLines counts lines, ignoring a single trailing newline.
func CountLines(text string) int {
	return len(splitLines(text))
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Bound applies a head line cap (maxLines > 0) and a byte cap (maxSize > 0)
// to text. Non-positive caps are not applied here.
func Bound(text string, maxLines, maxSize int) types.BoundedOutput {
	lines := splitLines(text)
	result := types.BoundedOutput{
		OriginalLines: len(lines),
		OriginalBytes: len(text),
	}

	body := text
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
		body = strings.Join(lines, "\n")
		result.Truncated = true
	}

	body, cut := fitSize(body, lines, maxSize)
	result.Truncated = result.Truncated || cut

	result.Text = finish(body, result)
	return result
}

// BoundTail bounds the output of a command that was already limited to its
// last n lines at the source. Because the source may have dropped lines, the
// marker is added when the received line count reaches n.
func BoundTail(text string, n, maxSize int) types.BoundedOutput {
	lines := splitLines(text)
	result := types.BoundedOutput{
		OriginalLines: len(lines),
		OriginalBytes: len(text),
		Truncated:     n > 0 && len(lines) >= n,
	}

	body, cut := fitSize(text, lines, maxSize)
	result.Truncated = result.Truncated || cut

	result.Text = finish(body, result)
	return result
}

func finish(body string, r types.BoundedOutput) string {
	if !r.Truncated {
		return body
	}
	body = strings.TrimSuffix(body, "\n")
	if body == "" {
		return Marker(r.OriginalLines, r.OriginalBytes)
	}
	return body + "\n" + Marker(r.OriginalLines, r.OriginalBytes)
}

// fitSize shrinks body to at most maxSize bytes.
func fitSize(body string, lines []string, maxSize int) (string, bool) {
	if maxSize <= 0 || len(body) <= maxSize {
		return body, false
	}
	if len(lines) <= BlobLineThreshold {
		return hardTruncate(body, maxSize), true
	}
	if s, ok := headTail(lines, len(body), maxSize); ok {
		return s, true
	}
	return hardTruncate(body, maxSize), true
}

// hardTruncate cuts body to fit maxSize including an inline notice of how many
// bytes were dropped. The cut never splits a UTF-8 sequence.
func hardTruncate(body string, maxSize int) string {
	total := len(body)
	// The notice length depends on the omitted count, which depends on the
	// notice length; settle it in a few rounds.
	notice := ""
	for i := 0; i < 3; i++ {
		keep := maxSize - len(notice)
		if keep < 0 {
			keep = 0
		}
		notice = fmt.Sprintf(" ... [%d bytes truncated]", total-keep)
	}

	keep := maxSize - len(notice)
	if keep <= 0 {
		return runeSafePrefix(body, maxSize)
	}
	kept := runeSafePrefix(body, keep)
	out := kept + fmt.Sprintf(" ... [%d bytes truncated]", total-len(kept))
	for len(out) > maxSize && kept != "" {
		kept = runeSafePrefix(kept, len(kept)-1)
		out = kept + fmt.Sprintf(" ... [%d bytes truncated]", total-len(kept))
	}
	return out
}

func runeSafePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// headTail keeps as many leading and trailing lines as fit into maxSize
// together with a middle notice. ok is false when not a single line fits.
func headTail(lines []string, totalBytes, maxSize int) (string, bool) {
	// Worst-case notice length: the real counts can only be smaller.
	reserve := len(omittedNotice(len(lines), totalBytes)) + 2
	budget := maxSize - reserve
	if budget <= 0 {
		return "", false
	}

	headBudget := budget / 2
	used := 0
	head := 0
	for head < len(lines) && used+len(lines[head])+1 <= headBudget {
		used += len(lines[head]) + 1
		head++
	}

	tail := len(lines)
	for tail > head && used+len(lines[tail-1])+1 <= budget {
		used += len(lines[tail-1]) + 1
		tail--
	}

	// Head lines skipped because of the half split may still fit.
	for head < tail && used+len(lines[head])+1 <= budget {
		used += len(lines[head]) + 1
		head++
	}

	if head == 0 && tail == len(lines) {
		return "", false
	}

	omittedBytes := 0
	for _, l := range lines[head:tail] {
		omittedBytes += len(l) + 1
	}

	var b strings.Builder
	for _, l := range lines[:head] {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(omittedNotice(tail-head, omittedBytes))
	for _, l := range lines[tail:] {
		b.WriteByte('\n')
		b.WriteString(l)
	}
	return b.String(), true
}

func omittedNotice(lines, bytes int) string {
	return fmt.Sprintf("... %d lines omitted (%d bytes) ...", lines, bytes)
}
