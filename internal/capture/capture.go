// Package capture wraps the operating system's frame source behind a small
// capability interface so the scheduler and its tests never touch OpenCV
// directly.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/trackerd/trackerd/internal/models"
	"github.com/trackerd/trackerd/internal/preprocess"
)

// Source produces OCR-ready capture samples. Implementations must be safe
// for use from a single pipeline goroutine at a time.
type Source interface {
	// Sample grabs one frame, runs the preprocessing chain and returns the
	// PNG-encoded result. The raw frame is released before Sample returns.
	Sample(ctx context.Context) (models.CaptureSample, error)
	Close() error
}

// ScreenSource reads frames from a capture device via OpenCV.
type ScreenSource struct {
	device string
	logger *slog.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
}

// NewScreenSource opens the capture device. device accepts anything OpenCV
// understands: an index ("0"), a v4l2 node or a desktop capture pipeline.
func NewScreenSource(device string, logger *slog.Logger) (*ScreenSource, error) {
	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open capture device %q: %w", device, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("capture device %q is not opened", device)
	}

	return &ScreenSource{
		device:  device,
		logger:  logger,
		capture: cap,
	}, nil
}

// Sample implements Source.
func (s *ScreenSource) Sample(ctx context.Context) (models.CaptureSample, error) {
	if err := ctx.Err(); err != nil {
		return models.CaptureSample{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return models.CaptureSample{}, &models.CaptureFailure{Err: fmt.Errorf("capture source closed")}
	}

	frame := gocv.NewMat()
	defer frame.Close()

	if ok := s.capture.Read(&frame); !ok || frame.Empty() {
		return models.CaptureSample{}, &models.CaptureFailure{
			Err: fmt.Errorf("read frame from device %q", s.device),
		}
	}
	at := time.Now()

	processed := preprocess.Process(frame)
	defer processed.Close()

	png, err := preprocess.EncodePNG(processed)
	if err != nil {
		return models.CaptureSample{}, &models.CaptureFailure{Err: err}
	}

	s.logger.Debug("captured sample", "bytes", len(png), "device", s.device)

	return models.CaptureSample{PNG: png, At: at}, nil
}

// Close releases the capture device. Safe to call more than once.
func (s *ScreenSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	s.capture = nil
	if err != nil {
		return fmt.Errorf("close capture device: %w", err)
	}
	return nil
}
