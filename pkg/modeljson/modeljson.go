// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package modeljson extracts JSON objects from language-model output,
// which arrives fenced, bare, or wrapped in prose depending on the model.
package modeljson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Unmarshal parses the first JSON object found in model text into v.
func Unmarshal(text string, v any) error {
	text = strings.TrimSpace(text)
	if m := fencedRe.FindStringSubmatch(text); m != nil {
		return json.Unmarshal([]byte(m[1]), v)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	return json.Unmarshal([]byte(text[start:end+1]), v)
}

// ExtractObjects returns every top-level JSON object embedded in the
// text, fenced or bare, in order of appearance. Nested braces are
// balanced; strings with escaped quotes are handled.
func ExtractObjects(text string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						out = append(out, candidate)
					}
					start = -1
				}
			}
		}
	}
	return out
}
