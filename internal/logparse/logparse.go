// Package logparse normalizes raw engine output. Engines emit one
// self-contained JSON payload per line when running in structured mode;
// anything else passes through verbatim.
package logparse

import (
	"encoding/json"
	"strings"
)

// Line is one extracted log line.
type Line struct {
	Message string `json:"message"`
	IsError bool   `json:"isError"`
}

// Parse extracts the structured payload embedded in a raw output line.
// Parse failure is a data path, not an error path: a non-conforming line
// becomes a non-error message carrying the raw text unchanged.
func Parse(raw string) Line {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Line{Message: raw}
	}

	var payload struct {
		AtMessage string `json:"@message"`
		Message   string `json:"message"`
		AtLevel   string `json:"@level"`
		Level     string `json:"level"`
		IsError   *bool  `json:"isError"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return Line{Message: raw}
	}

	msg := payload.AtMessage
	if msg == "" {
		msg = payload.Message
	}
	if msg == "" {
		return Line{Message: raw}
	}

	line := Line{Message: msg}
	if payload.IsError != nil {
		line.IsError = *payload.IsError
		return line
	}

	level := payload.AtLevel
	if level == "" {
		level = payload.Level
	}
	line.IsError = strings.EqualFold(level, "error")
	return line
}
