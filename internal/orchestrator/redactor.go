package orchestrator

import (
	"fmt"

	"github.com/brensch/panelpull/internal/config"
	"github.com/brensch/panelpull/internal/extractor"
	"github.com/brensch/panelpull/internal/redact"
)

// NewRedactorFactory returns a factory that loads the face cascade once per
// call. With redaction off, images are still decoded and re-encoded into the
// media tree, just without detection.
func NewRedactorFactory(cfg config.Config) (extractor.RedactorFactory, error) {
	if cfg.RedactMode == config.RedactOff {
		return func() (extractor.Redactor, error) {
			return redact.NewFilter(redact.NopDetector{}, redact.ModeRedact), nil
		}, nil
	}
	mode, err := redact.ParseMode(cfg.RedactMode)
	if err != nil {
		return nil, err
	}
	return func() (extractor.Redactor, error) {
		det, err := redact.NewPigoDetector(cfg.CascadePath)
		if err != nil {
			return nil, fmt.Errorf("load face cascade: %w", err)
		}
		return redact.NewFilter(det, mode), nil
	}, nil
}
