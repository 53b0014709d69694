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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helmsman-dev/helmsman/internal/store"
)

func TestBuildLayeredPromptOrdering(t *testing.T) {
	collections := []*store.InstructionCollection{
		{
			ID: "c-low", Name: "style", Enabled: true, Priority: 10,
			Files: []store.InstructionFile{
				{Name: "second.md", Content: "second file", Order: 2},
				{Name: "first.md", Content: "first file", Order: 1},
			},
		},
		{
			ID: "c-high", Name: "security", Enabled: true, Priority: 1,
			Files: []store.InstructionFile{{Name: "rules.md", Content: "no secrets in logs", Order: 1}},
		},
		{
			ID: "c-off", Name: "legacy", Enabled: false, Priority: 0,
			Files: []store.InstructionFile{{Name: "old.md", Content: "must not appear", Order: 1}},
		},
	}
	repo := &store.Repository{
		Name: "api",
		InstructionFiles: []store.InstructionFile{
			{Name: "conventions.md", Content: "use testify", Order: 1},
		},
	}
	task := &store.Task{
		Name:   "nightly",
		Prompt: "fix the failing tests",
		InstructionFiles: []store.InstructionFile{
			{Name: "scope.md", Content: "touch only internal/", Order: 1},
		},
	}

	prompt := buildLayeredPrompt(collections, repo, task)

	assert.NotContains(t, prompt, "must not appear")
	assert.True(t, strings.HasSuffix(prompt, "fix the failing tests"), "base prompt comes last")

	order := []string{
		"### Collection security: rules.md",
		"### Collection style: first.md",
		"### Collection style: second.md",
		"### Repository api: conventions.md",
		"### Task nightly: scope.md",
		"fix the failing tests",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(prompt, marker)
		assert.Greater(t, idx, last, marker)
		last = idx
	}
}

func TestBuildLayeredPromptSkipsEmptySections(t *testing.T) {
	collections := []*store.InstructionCollection{
		{
			ID: "c", Name: "style", Enabled: true,
			Files: []store.InstructionFile{{Name: "empty.md", Content: "   \n", Order: 1}},
		},
	}
	prompt := buildLayeredPrompt(collections, &store.Repository{}, &store.Task{Prompt: "base"})
	assert.Equal(t, "base", prompt)
}

func TestBuildLayeredPromptBareTask(t *testing.T) {
	prompt := buildLayeredPrompt(nil, &store.Repository{}, &store.Task{Prompt: "just do it"})
	assert.Equal(t, "just do it", prompt)
}
