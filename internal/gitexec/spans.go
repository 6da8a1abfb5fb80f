package gitexec

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// Span is a changed region of a file expressed in base-revision line numbers.
// Insert marks a pure addition anchored after base line Start (no base lines
// are touched).
type Span struct {
	Start  int
	End    int
	Insert bool
}

// Overlaps reports whether two spans touch intersecting base regions. Two
// insertions at the same anchor also count: both tasks want to put new lines
// in the same place.
func (s Span) Overlaps(o Span) bool {
	if s.Insert && o.Insert {
		return s.Start == o.Start
	}
	if s.Insert {
		return o.Start <= s.Start && s.Start < o.End
	}
	if o.Insert {
		return s.Start <= o.Start && o.Start < s.End
	}
	return s.Start <= o.End && o.Start <= s.End
}

// Gap returns the number of untouched base lines between two non-intersecting
// spans; zero or negative means they touch.
func (s Span) Gap(o Span) int {
	if s.Start > o.End {
		return s.Start - o.End - 1
	}
	return o.Start - s.End - 1
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+\d+(?:,\d+)? @@`)

// ParseUnifiedSpans extracts base-side spans from `git diff -U0` output.
func ParseUnifiedSpans(diff string) []Span {
	var spans []Span
	for _, line := range strings.Split(diff, "\n") {
		m := hunkHeader.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, _ := strconv.Atoi(m[1])
		count := 1
		if m[2] != "" {
			count, _ = strconv.Atoi(m[2])
		}
		if count == 0 {
			spans = append(spans, Span{Start: start, End: start, Insert: true})
			continue
		}
		spans = append(spans, Span{Start: start, End: start + count - 1})
	}
	return spans
}

// DiffSpans returns the base-side spans a branch changed in one file relative
// to the merge base with baseBranch. A nil result with nil error means the
// file is untouched or the diff is unavailable (binary files report no hunks).
func (r *Runner) DiffSpans(ctx context.Context, path, baseBranch, ref, file string) ([]Span, error) {
	out, err := r.run(ctx, path, "diff", "-U0", baseBranch+"..."+ref, "--", file)
	if err != nil {
		return nil, err
	}
	return ParseUnifiedSpans(out), nil
}

// IsBinaryChange reports whether the diff for a file between two refs is
// binary (numstat prints "-" columns for binary content).
func (r *Runner) IsBinaryChange(ctx context.Context, path, baseBranch, ref, file string) (bool, error) {
	out, err := r.run(ctx, path, "diff", "--numstat", baseBranch+"..."+ref, "--", file)
	if err != nil {
		return false, err
	}
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "-" && fields[1] == "-" {
			return true, nil
		}
	}
	return false, nil
}
