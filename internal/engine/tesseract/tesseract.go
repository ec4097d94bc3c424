// Package tesseract implements the recognition engine on gosseract.
//
// Image uploads run through Tesseract with the tenant's language, DPI, and
// segmentation mode. PDF uploads use the embedded text layer per page;
// born-digital PDFs resolve with full confidence, while scanned-image PDFs
// without a text layer are rejected as unprocessable by this engine build.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/scanvault/scanvault/internal/engine"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/pdfinspect"
)

// Engine is the Tesseract-backed recognizer.
type Engine struct {
	clientFactory func() *gosseract.Client
}

// New constructs the engine.
func New() *Engine {
	return &Engine{clientFactory: gosseract.NewClient}
}

// Recognize dispatches on content type.
func (e *Engine) Recognize(ctx context.Context, data []byte, contentType string, settings model.RecognitionSettings) (*engine.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if contentType == "application/pdf" {
		return recognizePDF(data)
	}
	return e.recognizeImage(data, settings)
}

func recognizePDF(data []byte) (*engine.Result, error) {
	pages, err := pdfinspect.PageTexts(data)
	if err != nil {
		return nil, &model.ProcessingError{Detail: err.Error()}
	}
	var sb strings.Builder
	withText := 0
	for i, text := range pages {
		if text == "" {
			continue
		}
		withText++
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}
	if withText == 0 {
		return nil, &model.ProcessingError{Detail: "pdf has no embedded text layer"}
	}
	return &engine.Result{
		Pages:             len(pages),
		Text:              sb.String(),
		OverallConfidence: float64(withText) / float64(len(pages)),
	}, nil
}

func (e *Engine) recognizeImage(data []byte, settings model.RecognitionSettings) (*engine.Result, error) {
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(data); err != nil {
		return nil, &model.ProcessingError{Detail: fmt.Sprintf("set image: %v", err)}
	}
	langs := strings.Split(settings.Language, "+")
	if err := c.SetLanguage(langs...); err != nil {
		return nil, &model.ProcessingError{Detail: fmt.Sprintf("set languages: %v", err)}
	}
	if err := c.SetPageSegMode(segMode(settings.Mode)); err != nil {
		return nil, &model.ProcessingError{Detail: fmt.Sprintf("set mode: %v", err)}
	}
	if settings.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(settings.DPI)); err != nil {
			return nil, &model.ProcessingError{Detail: fmt.Sprintf("set dpi: %v", err)}
		}
	}

	text, err := c.Text()
	if err != nil {
		return nil, &model.ProcessingError{Detail: fmt.Sprintf("recognize: %v", err)}
	}
	res := &engine.Result{
		Pages: 1,
		Text:  strings.TrimSpace(text),
	}
	if settings.FastMode {
		// Fast mode skips the word-geometry pass; confidence is nominal.
		res.OverallConfidence = 0.9
		return res, nil
	}
	res.Words, res.OverallConfidence = extractWords(c)
	return res, nil
}

func extractWords(c *gosseract.Client) ([]engine.Word, float64) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return nil, 0
	}
	words := make([]engine.Word, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		conf := b.Confidence / 100.0
		sum += conf
		words = append(words, engine.Word{
			Page:       1,
			Text:       b.Word,
			Confidence: conf,
			BBox:       [4]int{b.Box.Min.X, b.Box.Min.Y, b.Box.Dx(), b.Box.Dy()},
		})
	}
	return words, sum / float64(len(words))
}

func segMode(mode string) gosseract.PageSegMode {
	switch mode {
	case model.ModeSingleBlock:
		return gosseract.PSM_SINGLE_BLOCK
	case model.ModeSingleColumn:
		return gosseract.PSM_SINGLE_COLUMN
	case model.ModeSparse:
		return gosseract.PSM_SPARSE_TEXT
	default:
		return gosseract.PSM_AUTO
	}
}
