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

// Package workflow evaluates edge conditions between workflow nodes.
package workflow

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// numericTolerance is the absolute tolerance for numeric equality.
const numericTolerance = 1e-4

// RunFacts exposes run fields to conditions under the "run." prefix.
type RunFacts struct {
	State        string
	Summary      string
	Attempt      int
	FailureClass string
}

// NodeFacts exposes node fields to conditions under the "node." prefix.
type NodeFacts struct {
	State   string
	Summary string
	Attempt int
	Type    string
}

// EvalContext is the resolution environment for one edge evaluation.
type EvalContext struct {
	Run     RunFacts
	Node    NodeFacts
	Context map[string]any
}

// operators in match order: two-character operators before their
// single-character prefixes.
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// EvaluateCondition evaluates a single-predicate edge condition
// "<operand> <op> <literal>". An empty condition is true; a condition
// that cannot be parsed or resolved is false.
func EvaluateCondition(condition string, env EvalContext) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}

	operand, op, literal, ok := splitCondition(condition)
	if !ok {
		return false
	}

	left, ok := resolve(operand, env)
	if !ok {
		return false
	}
	right := unquote(literal)

	leftNum, leftIsNum := parseNumber(left)
	rightNum, rightIsNum := parseNumber(right)
	if leftIsNum && rightIsNum {
		return compareNumbers(leftNum, op, rightNum)
	}
	return compareStrings(left, op, right)
}

// splitCondition finds the first operator occurrence with non-empty
// operand and literal around it.
func splitCondition(condition string) (operand, op, literal string, ok bool) {
	best := -1
	for _, candidate := range operators {
		idx := strings.Index(condition, candidate)
		if idx <= 0 {
			continue
		}
		if best == -1 || idx < best || (idx == best && len(candidate) > len(op)) {
			best = idx
			op = candidate
		}
	}
	if best == -1 {
		return "", "", "", false
	}
	operand = strings.TrimSpace(condition[:best])
	literal = strings.TrimSpace(condition[best+len(op):])
	if operand == "" || literal == "" {
		return "", "", "", false
	}
	return operand, op, literal, true
}

// resolve maps a dotted operand path to its value in the environment.
func resolve(path string, env EvalContext) (string, bool) {
	switch {
	case strings.HasPrefix(path, "run."):
		switch strings.TrimPrefix(path, "run.") {
		case "state":
			return env.Run.State, true
		case "summary":
			return env.Run.Summary, true
		case "attempt":
			return strconv.Itoa(env.Run.Attempt), true
		case "failureClass":
			return env.Run.FailureClass, true
		}
		return "", false
	case strings.HasPrefix(path, "node."):
		switch strings.TrimPrefix(path, "node.") {
		case "state":
			return env.Node.State, true
		case "summary":
			return env.Node.Summary, true
		case "attempt":
			return strconv.Itoa(env.Node.Attempt), true
		case "type":
			return env.Node.Type, true
		}
		return "", false
	case strings.HasPrefix(path, "context."):
		return contextValue(env.Context, strings.TrimPrefix(path, "context."))
	default:
		return contextValue(env.Context, path)
	}
}

func contextValue(ctx map[string]any, name string) (string, bool) {
	v, ok := ctx[name]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func compareNumbers(left float64, op string, right float64) bool {
	switch op {
	case "==":
		return math.Abs(left-right) <= numericTolerance
	case "!=":
		return math.Abs(left-right) > numericTolerance
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "<":
		return left < right
	case "<=":
		return left <= right
	}
	return false
}

// compareStrings supports equality only; ordering over strings is not
// defined for edge conditions.
func compareStrings(left, op, right string) bool {
	switch op {
	case "==":
		return strings.EqualFold(left, right)
	case "!=":
		return !strings.EqualFold(left, right)
	}
	return false
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
