package diff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

type Hunk struct {
	Lines []Line `json:"lines"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

func TextDiff(before, after string) []Hunk {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, diff := range diffs {
		chunkLines := strings.Split(diff.Text, "\n")
		if len(chunkLines) > 0 && chunkLines[len(chunkLines)-1] == "" {
			chunkLines = chunkLines[:len(chunkLines)-1]
		}
		for _, line := range chunkLines {
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return []Hunk{{Lines: lines}}
}

const MaxDiffLines = 5000

func TextDiffWithLimit(before, after string, maxLines int) ([]Hunk, bool) {
	if maxLines <= 0 {
		maxLines = MaxDiffLines
	}
	if lineCount(before)+lineCount(after) > maxLines {
		return nil, true
	}
	return TextDiff(before, after), false
}

// Summary reduces a text diff to a one-line count of added and removed
// lines, suitable for tool receipts fed back to the model. Oversized inputs
// skip the diff and report raw line counts instead.
func Summary(before, after string) string {
	hunks, truncated := TextDiffWithLimit(before, after, MaxDiffLines)
	if truncated {
		return fmt.Sprintf("%d lines before, %d after, diff too large", lineCount(before), lineCount(after))
	}
	added := 0
	removed := 0
	for _, hunk := range hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case LineAdded:
				added++
			case LineRemoved:
				removed++
			}
		}
	}
	return fmt.Sprintf("+%d -%d lines", added, removed)
}

// ApplyPatch applies a patch in diff-match-patch text format to the given
// content. Every hunk must apply cleanly or the whole patch is rejected.
func ApplyPatch(before, patchText string) (string, error) {
	if strings.TrimSpace(patchText) == "" {
		return "", errors.New("empty patch")
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return "", fmt.Errorf("parse patch: %w", err)
	}
	if len(patches) == 0 {
		return "", errors.New("patch contains no hunks")
	}
	after, applied := dmp.PatchApply(patches, before)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("patch hunk %d did not apply", i+1)
		}
	}
	return after, nil
}

// MakePatch renders the edits from before to after in the same text format
// ApplyPatch accepts.
func MakePatch(before, after string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(before, after)
	return dmp.PatchToText(patches)
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}
