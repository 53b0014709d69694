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

package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/helmsman-dev/helmsman/internal/store"
)

// buildLayeredPrompt concatenates instruction layers around the task's base
// prompt. Layer order: enabled collection files (collection priority, then
// file order), embedded repository files (file order), task files (file
// order), base prompt. Each layer is introduced by a labeled header so the
// harness can attribute instructions to their source.
func buildLayeredPrompt(collections []*store.InstructionCollection, repo *store.Repository, task *store.Task) string {
	var b strings.Builder

	sorted := make([]*store.InstructionCollection, 0, len(collections))
	for _, c := range collections {
		if c.Enabled {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	for _, c := range sorted {
		for _, f := range sortedFiles(c.Files) {
			writeSection(&b, fmt.Sprintf("Collection %s: %s", c.Name, f.Name), f.Content)
		}
	}

	for _, f := range sortedFiles(repo.InstructionFiles) {
		writeSection(&b, fmt.Sprintf("Repository %s: %s", repo.Name, f.Name), f.Content)
	}

	for _, f := range sortedFiles(task.InstructionFiles) {
		writeSection(&b, fmt.Sprintf("Task %s: %s", task.Name, f.Name), f.Content)
	}

	b.WriteString(task.Prompt)
	return b.String()
}

func sortedFiles(files []store.InstructionFile) []store.InstructionFile {
	out := make([]store.InstructionFile, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func writeSection(b *strings.Builder, label, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	fmt.Fprintf(b, "### %s\n\n%s\n\n", label, content)
}
