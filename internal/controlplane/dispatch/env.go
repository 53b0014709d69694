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
	"strings"
	"unicode"

	"github.com/helmsman-dev/helmsman/internal/store"
)

// providerEnvNames maps a secret provider to the canonical env variable
// names its harness expects. Unknown providers fall back to
// SECRET_<UPPER_SNAKE>.
func providerEnvNames(provider string) []string {
	switch strings.ToLower(provider) {
	case "github":
		return []string{"GH_TOKEN", "GITHUB_TOKEN"}
	case "codex":
		return []string{"CODEX_API_KEY"}
	case "opencode":
		return []string{"OPENCODE_API_KEY"}
	case "claude-code":
		return []string{"ANTHROPIC_API_KEY"}
	case "zai":
		return []string{"Z_AI_API_KEY"}
	default:
		return []string{"SECRET_" + upperSnake(provider)}
	}
}

// harnessEnv flattens harness settings into the dispatch env map. The
// well-known tuning knobs get fixed names; everything else is surfaced as
// HARNESS_<UPPER_SNAKE>.
func harnessEnv(hs store.HarnessSettings, env map[string]string) {
	if hs.Model != "" {
		env["HARNESS_MODEL"] = hs.Model
	}
	if hs.Temperature != nil {
		env["HARNESS_TEMPERATURE"] = trimFloat(*hs.Temperature)
	}
	if hs.MaxTokens > 0 {
		env["HARNESS_MAX_TOKENS"] = fmt.Sprintf("%d", hs.MaxTokens)
	}
	for k, v := range hs.Additional {
		env["HARNESS_"+upperSnake(k)] = v
	}
}

// upperSnake converts an arbitrary identifier to UPPER_SNAKE, collapsing
// runs of non-alphanumerics into single underscores.
func upperSnake(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.4f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
