package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"

	"bitbucket.org/medfocus/intake_backend/config"
)

// Line-level diff between generated and edited draft content, with a hard size
// ceiling. The LCS table is O(n*m) in lines; above the ceiling the diff is
// skipped entirely and the caller renders both texts side by side instead.
// Bounded worst-case latency and memory, regardless of input size.

type DiffOp string

const (
	DiffOpAdded     DiffOp = "added"
	DiffOpRemoved   DiffOp = "removed"
	DiffOpUnchanged DiffOp = "unchanged"
)

type DiffLine struct {
	Op   DiffOp `json:"op"`
	Text string `json:"text"`
}

type DiffResult struct {
	// TooLarge is a designed fallback mode, not an error: no line matching ran
	// and Lines is empty. The caller must handle it.
	TooLarge   bool       `json:"too_large"`
	HasChanges bool       `json:"has_changes"`
	Lines      []DiffLine `json:"lines,omitempty"`
	Added      int        `json:"added"`
	Removed    int        `json:"removed"`
	Unchanged  int        `json:"unchanged"`
	TotalLines int        `json:"total_lines"`
	TotalChars int        `json:"total_chars"`
}

// ComputeDiff diffs two texts line by line. The size guard runs first; when it
// trips, the LCS algorithm never executes.
func ComputeDiff(original, edited string) *DiffResult {
	originalLines := splitLines(original)
	editedLines := splitLines(edited)

	totalLines := len(originalLines) + len(editedLines)
	totalChars := len(original) + len(edited)
	if totalLines > config.DraftDiffMaxLines() || totalChars > config.DraftDiffMaxChars() {
		return &DiffResult{
			TooLarge:   true,
			HasChanges: original != edited,
			TotalLines: totalLines,
			TotalChars: totalChars,
		}
	}

	lines := lcsDiff(originalLines, editedLines)

	result := &DiffResult{
		Lines:      lines,
		TotalLines: totalLines,
		TotalChars: totalChars,
	}
	for _, line := range lines {
		switch line.Op {
		case DiffOpAdded:
			result.Added++
		case DiffOpRemoved:
			result.Removed++
		default:
			result.Unchanged++
		}
	}
	result.HasChanges = result.Added > 0 || result.Removed > 0
	return result
}

// ComputeDraftDiff formats structured draft content into stable line sequences
// and diffs generated content against the reviewer's edit.
func ComputeDraftDiff(content, editedContent datatypes.JSONMap) *DiffResult {
	return ComputeDiff(FormatDraftContent(content), FormatDraftContent(editedContent))
}

// FormatDraftContent renders a content record as deterministic "key: value"
// lines, multi-line string values indented under their key. Sorted keys keep
// the rendering stable across map iteration order.
func FormatDraftContent(content map[string]interface{}) string {
	if len(content) == 0 {
		return ""
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		switch v := content[k].(type) {
		case string:
			if strings.Contains(v, "\n") {
				b.WriteString(k + ":\n")
				for _, line := range strings.Split(v, "\n") {
					b.WriteString("  " + line + "\n")
				}
			} else {
				b.WriteString(fmt.Sprintf("%s: %s\n", k, v))
			}
		default:
			b.WriteString(fmt.Sprintf("%s: %v\n", k, v))
		}
	}
	return b.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// lcsDiff runs the classic longest-common-subsequence table and backtracks
// into an added/removed/unchanged line sequence.
func lcsDiff(a, b []string) []DiffLine {
	m, n := len(a), len(b)
	table := make([][]int, m+1)
	for i := range table {
		table[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}

	var lines []DiffLine
	i, j := 0, 0
	for i < m && j < n {
		switch {
		case a[i] == b[j]:
			lines = append(lines, DiffLine{Op: DiffOpUnchanged, Text: a[i]})
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			lines = append(lines, DiffLine{Op: DiffOpRemoved, Text: a[i]})
			i++
		default:
			lines = append(lines, DiffLine{Op: DiffOpAdded, Text: b[j]})
			j++
		}
	}
	for ; i < m; i++ {
		lines = append(lines, DiffLine{Op: DiffOpRemoved, Text: a[i]})
	}
	for ; j < n; j++ {
		lines = append(lines, DiffLine{Op: DiffOpAdded, Text: b[j]})
	}
	return lines
}
