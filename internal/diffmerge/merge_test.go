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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const laneOnePatch = `diff --git a/pkg/api.go b/pkg/api.go
--- a/pkg/api.go
+++ b/pkg/api.go
@@ -10,3 +10,4 @@ func Handler() {
 	a
 	b
+	c
 	d
`

const laneTwoPatch = `diff --git a/pkg/api.go b/pkg/api.go
--- a/pkg/api.go
+++ b/pkg/api.go
@@ -40,3 +41,3 @@ func Other() {
 	x
-	y
+	z
 	w
`

const laneTwoOverlapPatch = `diff --git a/pkg/api.go b/pkg/api.go
--- a/pkg/api.go
+++ b/pkg/api.go
@@ -11,3 +11,3 @@ func Handler() {
 	a
-	b
+	e
 	d
`

func TestParsePatch(t *testing.T) {
	files, err := parsePatch(laneOnePatch)
	require.NoError(t, err)
	require.Len(t, files, 1)

	f := files[0]
	assert.Equal(t, "pkg/api.go", f.oldPath)
	assert.Equal(t, "pkg/api.go", f.newPath)
	require.Len(t, f.hunks, 1)
	assert.Equal(t, 10, f.hunks[0].newStart)
	assert.Equal(t, 4, f.hunks[0].newCount)
	assert.Equal(t, 1, f.additions)
	assert.Equal(t, 0, f.deletions)
}

func TestMergeSingletonsPassThrough(t *testing.T) {
	result, err := Merge([]LaneDiff{
		{LaneLabel: "lane-a", DiffPatch: laneOnePatch},
	})
	require.NoError(t, err)

	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 1, result.MergedFiles)
	assert.Equal(t, 1, result.Additions)
	assert.Contains(t, result.MergedPatch, "diff --git a/pkg/api.go b/pkg/api.go")
	assert.Equal(t, "1 file changed, 1 insertion(+)", result.DiffStat)
}

func TestMergeDisjointHunks(t *testing.T) {
	result, err := Merge([]LaneDiff{
		{LaneLabel: "lane-a", DiffPatch: laneOnePatch},
		{LaneLabel: "lane-b", DiffPatch: laneTwoPatch},
	})
	require.NoError(t, err)

	require.Empty(t, result.Conflicts)
	assert.Equal(t, 1, result.MergedFiles)
	assert.Equal(t, 2, result.Additions)
	assert.Equal(t, 1, result.Deletions)

	// One synthesized header, hunks ordered by new start.
	assert.Equal(t, 1, strings.Count(result.MergedPatch, "diff --git"))
	first := strings.Index(result.MergedPatch, "@@ -10,3 +10,4 @@")
	second := strings.Index(result.MergedPatch, "@@ -40,3 +41,3 @@")
	require.Greater(t, first, -1)
	require.Greater(t, second, -1)
	assert.Less(t, first, second)
	assert.Equal(t, "1 file changed, 2 insertions(+), 1 deletion(-)", result.DiffStat)
}

func TestMergeOverlappingHunksConflict(t *testing.T) {
	result, err := Merge([]LaneDiff{
		{LaneLabel: "lane-a", DiffPatch: laneOnePatch},
		{LaneLabel: "lane-b", DiffPatch: laneTwoOverlapPatch},
	})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	c := result.Conflicts[0]
	assert.Equal(t, "pkg/api.go", c.Path)
	assert.Equal(t, "overlapping hunks", c.Reason)
	assert.Len(t, c.Hunks, 2)
	assert.Zero(t, result.MergedFiles)
}

func TestMergeMetadataOnlyConflict(t *testing.T) {
	metadataOnly := "diff --git a/pkg/api.go b/pkg/api.go\nold mode 100644\nnew mode 100755\n"
	result, err := Merge([]LaneDiff{
		{LaneLabel: "lane-a", DiffPatch: laneOnePatch},
		{LaneLabel: "lane-b", DiffPatch: metadataOnly},
	})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "unable to merge metadata-only patch", result.Conflicts[0].Reason)
}

func TestMergePathMetadataConflict(t *testing.T) {
	renamed := `diff --git a/pkg/api.go b/pkg/handler.go
--- a/pkg/api.go
+++ b/pkg/handler.go
@@ -40,3 +41,3 @@ func Other() {
 	x
-	y
+	z
 	w
`
	// Group by path is case-insensitive on the canonical (new) path, so
	// force the collision through the old path by renaming in one lane.
	result, err := Merge([]LaneDiff{
		{LaneLabel: "lane-a", DiffPatch: strings.ReplaceAll(laneOnePatch, "pkg/api.go", "pkg/handler.go")},
		{LaneLabel: "lane-b", DiffPatch: renamed},
	})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "incompatible path metadata", result.Conflicts[0].Reason)
}

func TestMergeCaseInsensitivePathGrouping(t *testing.T) {
	upper := strings.ReplaceAll(laneTwoOverlapPatch, "pkg/api.go", "PKG/API.GO")
	result, err := Merge([]LaneDiff{
		{LaneLabel: "lane-a", DiffPatch: laneOnePatch},
		{LaneLabel: "lane-b", DiffPatch: upper},
	})
	require.NoError(t, err)

	// Grouped despite the case difference, then conflicted on overlap.
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "overlapping hunks", result.Conflicts[0].Reason)
}

func TestDiffStatOmitsZeroComponents(t *testing.T) {
	assert.Equal(t, "2 files changed, 3 insertions(+)", diffStat(2, 3, 0))
	assert.Equal(t, "1 file changed, 1 deletion(-)", diffStat(1, 0, 1))
	assert.Equal(t, "0 files changed", diffStat(0, 0, 0))
}

func TestMergeLanePermutationInvariant(t *testing.T) {
	otherFile := `diff --git a/pkg/util.go b/pkg/util.go
--- a/pkg/util.go
+++ b/pkg/util.go
@@ -5,2 +5,3 @@ func Util() {
 	p
+	q
`
	a := LaneDiff{LaneLabel: "lane-a", DiffPatch: laneOnePatch}
	b := LaneDiff{LaneLabel: "lane-b", DiffPatch: otherFile}
	c := LaneDiff{LaneLabel: "lane-c", DiffPatch: laneTwoPatch}

	forward, err := Merge([]LaneDiff{a, b, c})
	require.NoError(t, err)
	reversed, err := Merge([]LaneDiff{c, b, a})
	require.NoError(t, err)

	assert.Equal(t, forward.MergedPatch, reversed.MergedPatch)
	assert.Equal(t, forward.DiffStat, reversed.DiffStat)

	// File sections come out by path regardless of which lane arrived first.
	api := strings.Index(reversed.MergedPatch, "a/pkg/api.go")
	util := strings.Index(reversed.MergedPatch, "a/pkg/util.go")
	require.Greater(t, api, -1)
	require.Greater(t, util, -1)
	assert.Less(t, api, util)
}
