// Copyright 2025 The Helmsman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package diffmerge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	diffGitRe = regexp.MustCompile(`^diff --git a/(.+) b/(.+)$`)
	hunkRe    = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// hunk is one @@-delimited change block, header line included.
type hunk struct {
	header   string
	oldStart int
	oldCount int
	newStart int
	newCount int
	lines    []string
}

// newEnd returns the last new-file line the hunk touches (inclusive).
func (h hunk) newEnd() int {
	end := h.newStart + h.newCount - 1
	if end < h.newStart {
		end = h.newStart
	}
	return end
}

// filePatch is one file section of a unified diff.
type filePatch struct {
	oldPath   string
	newPath   string
	hunks     []hunk
	additions int
	deletions int
	raw       []string
}

// path returns the file's canonical path: the new path unless the file
// was deleted.
func (f filePatch) path() string {
	if f.newPath != "" && f.newPath != "/dev/null" {
		return f.newPath
	}
	return f.oldPath
}

// parsePatch splits a unified diff into file sections with parsed hunks.
// Sections may start with either a "diff --git" header or a bare
// "--- / +++" pair.
func parsePatch(patch string) ([]filePatch, error) {
	lines := strings.Split(patch, "\n")

	var files []filePatch
	var current *filePatch
	var currentHunk *hunk

	flushHunk := func() {
		if currentHunk != nil && current != nil {
			current.hunks = append(current.hunks, *currentHunk)
		}
		currentHunk = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			files = append(files, *current)
		}
		current = nil
	}

	for _, line := range lines {
		if m := diffGitRe.FindStringSubmatch(line); m != nil {
			flushFile()
			current = &filePatch{oldPath: m[1], newPath: m[2]}
			current.raw = append(current.raw, line)
			continue
		}
		if strings.HasPrefix(line, "--- ") {
			if current == nil || len(current.hunks) > 0 || currentHunk != nil {
				flushFile()
				current = &filePatch{}
			}
			current.oldPath = stripPathPrefix(strings.TrimPrefix(line, "--- "))
			current.raw = append(current.raw, line)
			continue
		}
		if current == nil {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("unexpected line outside file section: %q", line)
		}
		if strings.HasPrefix(line, "+++ ") {
			current.newPath = stripPathPrefix(strings.TrimPrefix(line, "+++ "))
			current.raw = append(current.raw, line)
			continue
		}
		if m := hunkRe.FindStringSubmatch(line); m != nil {
			flushHunk()
			h := hunk{
				header:   line,
				oldStart: atoi(m[1]),
				oldCount: atoiDefault(m[2], 1),
				newStart: atoi(m[3]),
				newCount: atoiDefault(m[4], 1),
			}
			h.lines = append(h.lines, line)
			currentHunk = &h
			current.raw = append(current.raw, line)
			continue
		}
		current.raw = append(current.raw, line)
		if currentHunk != nil {
			currentHunk.lines = append(currentHunk.lines, line)
			switch {
			case strings.HasPrefix(line, "+"):
				current.additions++
			case strings.HasPrefix(line, "-"):
				current.deletions++
			}
		}
	}
	flushFile()
	return files, nil
}

func stripPathPrefix(p string) string {
	p = strings.TrimSpace(p)
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
	}
	return p
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}
