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

// Package diffmerge combines unified diffs produced by parallel lanes
// into one patch, reporting conflicts where lanes touched the same file
// in incompatible ways.
package diffmerge

import (
	"fmt"
	"sort"
	"strings"
)

// LaneDiff is one lane's contribution to a merge.
type LaneDiff struct {
	LaneLabel string `json:"lane_label"`
	Harness   string `json:"harness,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Succeeded bool   `json:"succeeded"`
	Summary   string `json:"summary,omitempty"`
	DiffStat  string `json:"diff_stat,omitempty"`
	DiffPatch string `json:"diff_patch,omitempty"`
}

// Conflict records one file the merge could not combine.
type Conflict struct {
	Path   string   `json:"path"`
	Reason string   `json:"reason"`
	Lanes  []string `json:"lanes,omitempty"`
	Hunks  []string `json:"hunks,omitempty"`
}

// Result is the merge outcome.
type Result struct {
	MergedPatch string     `json:"merged_patch,omitempty"`
	MergedFiles int        `json:"merged_files"`
	Additions   int        `json:"additions"`
	Deletions   int        `json:"deletions"`
	DiffStat    string     `json:"diff_stat"`
	Conflicts   []Conflict `json:"conflicts,omitempty"`
}

type laneFile struct {
	lane string
	fp   filePatch
}

// Merge combines the lane patches. Files touched by a single lane pass
// through unchanged; multi-lane files are combined hunk-wise when their
// hunks do not overlap in the new file.
func Merge(lanes []LaneDiff) (*Result, error) {
	result := &Result{}

	// Group files across lanes by path, case-insensitive.
	groups := make(map[string][]laneFile)
	var order []string
	for _, lane := range lanes {
		if lane.DiffPatch == "" {
			continue
		}
		files, err := parsePatch(lane.DiffPatch)
		if err != nil {
			return nil, fmt.Errorf("parse patch for lane %s: %w", lane.LaneLabel, err)
		}
		for _, fp := range files {
			key := strings.ToLower(fp.path())
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], laneFile{lane: lane.LaneLabel, fp: fp})
		}
	}

	// File sections are emitted by path and group members by lane label,
	// not arrival, so the merged patch does not depend on lane ordering.
	sort.Strings(order)
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool { return group[i].lane < group[j].lane })
	}

	var patch strings.Builder
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			fp := group[0].fp
			writeRaw(&patch, fp.raw)
			result.MergedFiles++
			result.Additions += fp.additions
			result.Deletions += fp.deletions
			continue
		}
		merged, conflict := mergeGroup(group)
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		patch.WriteString(merged.text)
		result.MergedFiles++
		result.Additions += merged.additions
		result.Deletions += merged.deletions
	}

	result.MergedPatch = patch.String()
	result.DiffStat = diffStat(result.MergedFiles, result.Additions, result.Deletions)
	return result, nil
}

type mergedFile struct {
	text      string
	additions int
	deletions int
}

// mergeGroup combines one file's sections from multiple lanes.
func mergeGroup(group []laneFile) (*mergedFile, *Conflict) {
	path := group[0].fp.path()
	laneNames := make([]string, 0, len(group))
	for _, lf := range group {
		laneNames = append(laneNames, lf.lane)
	}

	for _, lf := range group {
		if len(lf.fp.hunks) == 0 {
			return nil, &Conflict{
				Path:   path,
				Reason: "unable to merge metadata-only patch",
				Lanes:  laneNames,
			}
		}
	}

	first := group[0].fp
	for _, lf := range group[1:] {
		if !strings.EqualFold(lf.fp.oldPath, first.oldPath) || !strings.EqualFold(lf.fp.newPath, first.newPath) {
			return nil, &Conflict{
				Path:   path,
				Reason: "incompatible path metadata",
				Lanes:  laneNames,
			}
		}
	}

	// Any cross-lane pair of hunks whose new-file ranges overlap
	// (inclusive) is a conflict.
	type laneHunk struct {
		lane string
		h    hunk
	}
	var all []laneHunk
	for _, lf := range group {
		for _, h := range lf.fp.hunks {
			all = append(all, laneHunk{lane: lf.lane, h: h})
		}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[i].lane == all[j].lane {
				continue
			}
			a, b := all[i].h, all[j].h
			if a.newStart <= b.newEnd() && b.newStart <= a.newEnd() {
				return nil, &Conflict{
					Path:   path,
					Reason: "overlapping hunks",
					Lanes:  []string{all[i].lane, all[j].lane},
					Hunks:  []string{a.header, b.header},
				}
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].h.newStart != all[j].h.newStart {
			return all[i].h.newStart < all[j].h.newStart
		}
		return all[i].h.header < all[j].h.header
	})

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", first.oldPath, first.newPath)
	fmt.Fprintf(&b, "--- a/%s\n", first.oldPath)
	fmt.Fprintf(&b, "+++ b/%s\n", first.newPath)

	blocks := 0
	additions, deletions := 0, 0
	for _, lh := range all {
		if len(lh.h.lines) == 0 {
			continue
		}
		blocks++
		for _, line := range lh.h.lines {
			b.WriteString(line)
			b.WriteByte('\n')
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				additions++
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				deletions++
			}
		}
	}
	if blocks != len(all) {
		return nil, &Conflict{
			Path:   path,
			Reason: "failed to compose merged patch",
			Lanes:  laneNames,
		}
	}

	return &mergedFile{text: b.String(), additions: additions, deletions: deletions}, nil
}

func writeRaw(b *strings.Builder, raw []string) {
	for _, line := range raw {
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// diffStat renders the git-style summary line, omitting zero components.
func diffStat(files, additions, deletions int) string {
	parts := []string{fmt.Sprintf("%d %s changed", files, plural(files, "file", "files"))}
	if additions > 0 {
		parts = append(parts, fmt.Sprintf("%d %s(+)", additions, plural(additions, "insertion", "insertions")))
	}
	if deletions > 0 {
		parts = append(parts, fmt.Sprintf("%d %s(-)", deletions, plural(deletions, "deletion", "deletions")))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
