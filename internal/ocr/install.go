package ocr

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// EngineInstalled reports whether the tesseract binary is reachable. The
// gosseract bindings fail in opaque ways when the engine data is missing, so
// the PATH probe is used as the availability signal.
func EngineInstalled() bool {
	_, err := exec.LookPath("tesseract")
	return err == nil
}

// InstallEngine attempts a one-time platform-package install of tesseract.
// Supported on linux (apt-get) and darwin (homebrew); anywhere else the
// caller must install manually.
func InstallEngine(logger *slog.Logger) error {
	switch runtime.GOOS {
	case "linux":
		logger.Info("installing tesseract via apt-get")
		if out, err := exec.Command("sudo", "apt-get", "update").CombinedOutput(); err != nil {
			return fmt.Errorf("apt-get update: %w: %s", err, out)
		}
		out, err := exec.Command("sudo", "apt-get", "install", "-y",
			"tesseract-ocr", "tesseract-ocr-eng", "libtesseract-dev", "libleptonica-dev").CombinedOutput()
		if err != nil {
			return fmt.Errorf("apt-get install tesseract: %w: %s", err, out)
		}
		return nil
	case "darwin":
		logger.Info("installing tesseract via homebrew")
		out, err := exec.Command("brew", "install", "tesseract", "tesseract-lang").CombinedOutput()
		if err != nil {
			return fmt.Errorf("brew install tesseract: %w: %s", err, out)
		}
		return nil
	default:
		return fmt.Errorf("automatic tesseract install not supported on %s", runtime.GOOS)
	}
}
