package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Recognition modes understood by the engine. "auto" lets the engine pick a
// page segmentation strategy; the others force one.
const (
	ModeAuto         = "auto"
	ModeSingleBlock  = "single-block"
	ModeSingleColumn = "single-column"
	ModeSparse       = "sparse"
)

const (
	MinDPI = 100
	MaxDPI = 600
)

// RecognitionSettings is the validated per-tenant (or per-upload) option set.
// Unknown keys are rejected at parse time rather than silently stored.
type RecognitionSettings struct {
	Language   string `json:"language"`
	DPI        int    `json:"dpi"`
	Mode       string `json:"mode"`
	FastMode   bool   `json:"fastMode"`
	SkipTables bool   `json:"skipTables"`
}

// DefaultSettings returns the settings applied to tenants on first contact.
func DefaultSettings() RecognitionSettings {
	return RecognitionSettings{
		Language: "eng",
		DPI:      400,
		Mode:     ModeAuto,
	}
}

// Validate checks every field against the recognized option set.
func (s RecognitionSettings) Validate() error {
	if s.Language == "" {
		return &ValidationError{Reason: "language must not be empty"}
	}
	if s.DPI < MinDPI || s.DPI > MaxDPI {
		return &ValidationError{Reason: fmt.Sprintf("dpi %d outside [%d,%d]", s.DPI, MinDPI, MaxDPI)}
	}
	switch s.Mode {
	case ModeAuto, ModeSingleBlock, ModeSingleColumn, ModeSparse:
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown mode %q", s.Mode)}
	}
	return nil
}

// ParseSettings decodes a settings JSON blob on top of the given defaults.
// Fields absent from the blob keep their default; unknown keys fail.
func ParseSettings(data []byte, defaults RecognitionSettings) (RecognitionSettings, error) {
	out := defaults
	if len(bytes.TrimSpace(data)) == 0 {
		return out, out.Validate()
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return RecognitionSettings{}, &ValidationError{Reason: fmt.Sprintf("invalid settings: %v", err)}
	}
	if err := out.Validate(); err != nil {
		return RecognitionSettings{}, err
	}
	return out, nil
}
