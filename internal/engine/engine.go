// Package engine defines the recognition engine boundary. The engine is an
// untrusted collaborator: it may fail, hang, or return garbage, and every
// such outcome surfaces as an error the scheduler retries against the job's
// attempt budget.
package engine

import (
	"context"

	"github.com/scanvault/scanvault/internal/model"
)

// Word is one recognized word with its page, bounding box, and confidence
// in [0,1].
type Word struct {
	Page       int     `json:"page"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	// BBox is [x, y, width, height] in page pixels.
	BBox [4]int `json:"bbox"`
}

// Table is a detected table region.
type Table struct {
	Page int    `json:"page"`
	BBox [4]int `json:"bbox"`
}

// Result is the full recognition outcome for one document.
type Result struct {
	Pages             int     `json:"pages"`
	Text              string  `json:"text"`
	Words             []Word  `json:"words"`
	Tables            []Table `json:"tables"`
	OverallConfidence float64 `json:"overallConfidence"`
}

// Engine turns document bytes into recognized text.
type Engine interface {
	Recognize(ctx context.Context, data []byte, contentType string, settings model.RecognitionSettings) (*Result, error)
}
