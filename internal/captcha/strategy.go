package captcha

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dncl-checker/internal/browser"
	"dncl-checker/internal/config"
)

// Widget selectors, matching the reCAPTCHA v2 DOM. Overridable for tests
// and for widget revisions.
var (
	SelAnchorFrame   = "api2/anchor"
	SelPanelFrame    = "api2/bframe"
	SelCheckbox      = "#recaptcha-anchor > div.recaptcha-checkbox-border"
	SelToken         = `textarea[name="g-recaptcha-response"]`
	SelBlockedHeader = ".rc-doscaptcha-header-text"
	SelReload        = "#recaptcha-reload-button"
	SelVerify        = "#recaptcha-verify-button"

	SelAudioButton   = "#recaptcha-audio-button"
	SelAudioDownload = ".rc-audiochallenge-tdownload-link"
	SelAudioSource   = "#audio-source"
	SelAudioResponse = "#audio-response"

	SelImageDesc          = ".rc-imageselect-desc"
	SelImageDescAlt       = ".rc-imageselect-desc-no-canonical"
	SelImageChallenge     = ".rc-imageselect-challenge"
	SelImageTile          = ".rc-imageselect-tile"
	SelImageTile33        = ".rc-image-tile-33"
	blockedHeaderFragment = "Try again later"
)

// Strategy errors recognized by the state machine.
var (
	// ErrBlocked is returned when a strategy observes the blocking signal
	// mid-solve. It always wins over any other pending failure.
	ErrBlocked = errors.New("captcha: attempt blocked")
	// ErrNoAnswer means the strategy could not produce an answer for this
	// challenge instance; the machine requests a fresh instance.
	ErrNoAnswer = errors.New("captcha: no answer for challenge instance")
)

// Challenge is the transient per-attempt view handed to a strategy.
type Challenge struct {
	AttemptID uuid.UUID
	Session   browser.Session
	// Widget is the checkbox anchor frame.
	Widget browser.Frame
	// Panel is the sub-challenge frame.
	Panel   browser.Frame
	PageURL string
}

// Strategy resolves a presented sub-challenge. A nil return means an answer
// was submitted (or a token injected); the machine owns verification, so
// implementations are interchangeable with no caller-visible difference.
type Strategy interface {
	Name() string
	Solve(ctx context.Context, ch *Challenge) error
}

// StrategyFromConfig builds the configured strategy.
func StrategyFromConfig(cfg config.Config, artifacts ArtifactStore) (Strategy, error) {
	switch cfg.CaptchaMethod {
	case "audio":
		if len(cfg.SpeechTokens) == 0 {
			return nil, errors.New("audio method requires SPEECH_TOKENS")
		}
		return NewAudioStrategy(NewSpeechClient(cfg.SpeechURL, cfg.SpeechTokens), artifacts), nil
	case "visual":
		if cfg.VisionKey == "" {
			return nil, errors.New("visual method requires VISION_KEY")
		}
		vs := NewVisualStrategy(NewVisionClient(cfg.VisionURL, cfg.VisionKey, cfg.VisionModel), artifacts)
		vs.DynamicRounds = cfg.DynamicRounds
		vs.MaxWidth = cfg.ScreenshotMaxW
		return vs, nil
	case "2captcha":
		if cfg.SolverKey == "" {
			return nil, errors.New("2captcha method requires SOLVER_KEY")
		}
		sc := NewSolverClient(cfg.SolverURL, cfg.SolverKey, cfg.UserAgent)
		sc.PollInterval = cfg.SolverPollInterval
		sc.MaxPolls = cfg.SolverMaxPolls
		return NewExternalStrategy(sc), nil
	default:
		return nil, fmt.Errorf("unknown captcha method %q", cfg.CaptchaMethod)
	}
}

// ArtifactStore is the subset of the artifact package strategies need.
type ArtifactStore interface {
	Save(ctx context.Context, key string, body []byte, contentType string) (string, error)
}
