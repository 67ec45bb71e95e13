package ocr

import (
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/trackerd/trackerd/internal/models"
)

// Recognizer is the engine-level contract: a blocking call that turns an
// OCR-ready PNG into text plus a mean word confidence. The Adapter layers
// timeouts, availability handling and the confidence floor on top.
type Recognizer interface {
	Recognize(png []byte) (models.OcrResult, error)
	Close() error
}

// TesseractEngine drives a dedicated gosseract client. The client is not
// safe for concurrent use, so calls are serialized; the pipeline runs one
// sample at a time anyway.
type TesseractEngine struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseractEngine configures a client for short scattered screen text:
// sparse-text page segmentation instead of the document-oriented default.
func NewTesseractEngine(language string) (*TesseractEngine, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("set ocr language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	return &TesseractEngine{client: client}, nil
}

// Recognize implements Recognizer.
func (e *TesseractEngine) Recognize(png []byte) (models.OcrResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.SetImageFromBytes(png); err != nil {
		return models.OcrResult{}, fmt.Errorf("set ocr image: %w", err)
	}

	text, err := e.client.Text()
	if err != nil {
		return models.OcrResult{}, fmt.Errorf("extract text: %w", err)
	}

	// Mean word confidence; tesseract reports 0-100 per word.
	confidence := 0.0
	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil && len(boxes) > 0 {
		total := 0.0
		count := 0
		for _, box := range boxes {
			if box.Confidence > 0 {
				total += box.Confidence
				count++
			}
		}
		if count > 0 {
			confidence = total / float64(count) / 100.0
		}
	}

	return models.OcrResult{Text: text, Confidence: confidence}, nil
}

// Close releases the engine resources.
func (e *TesseractEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
