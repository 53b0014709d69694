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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEnv() EvalContext {
	return EvalContext{
		Run: RunFacts{
			State:        "failed",
			Summary:      "lint errors",
			Attempt:      2,
			FailureClass: "timeout",
		},
		Node: NodeFacts{
			State:   "succeeded",
			Summary: "done",
			Attempt: 1,
			Type:    "agent",
		},
		Context: map[string]any{
			"branch": "main",
			"score":  0.87,
			"count":  3,
		},
	}
}

func TestEvaluateCondition(t *testing.T) {
	env := testEnv()

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"empty is true", "", true},
		{"whitespace is true", "   ", true},
		{"run state equality", `run.state == failed`, true},
		{"case insensitive equality", `run.state == FAILED`, true},
		{"quoted literal", `run.state == "failed"`, true},
		{"inequality", `run.state != succeeded`, true},
		{"run attempt numeric", `run.attempt >= 2`, true},
		{"run attempt strict", `run.attempt > 2`, false},
		{"failure class", `run.failureClass == timeout`, true},
		{"node type", `node.type == agent`, true},
		{"node attempt", `node.attempt < 2`, true},
		{"context prefix", `context.branch == main`, true},
		{"bare context name", `branch == main`, true},
		{"numeric tolerance", `score == 0.87005`, true},
		{"numeric beyond tolerance", `score == 0.88`, false},
		{"numeric ordering", `count <= 3`, true},
		{"string ordering unsupported", `run.state > apple`, false},
		{"unknown path", `run.nope == x`, false},
		{"unknown context name", `missing == 1`, false},
		{"no operator", `run.state failed`, false},
		{"missing literal", `run.state ==`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.condition, env))
		})
	}
}

func TestEvaluateConditionTwoCharOperatorWins(t *testing.T) {
	env := EvalContext{Context: map[string]any{"count": 3}}

	// ">=" must not be parsed as ">" followed by "=3".
	assert.True(t, EvaluateCondition("count >= 3", env))
	assert.False(t, EvaluateCondition("count != 3", env))
}
