package captcha

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

// AudioStrategy resolves a challenge through its audio variant: download
// the clip, transcribe it, type the answer.
type AudioStrategy struct {
	speech    *SpeechClient
	artifacts ArtifactStore
	client    *http.Client

	// DownloadRetries bounds audio fetch attempts.
	DownloadRetries uint64
	// SurfaceWait bounds the wait for the audio challenge to render.
	SurfaceWait time.Duration
}

func NewAudioStrategy(speech *SpeechClient, artifacts ArtifactStore) *AudioStrategy {
	return &AudioStrategy{
		speech:          speech,
		artifacts:       artifacts,
		client:          &http.Client{Timeout: 60 * time.Second},
		DownloadRetries: 3,
		SurfaceWait:     10 * time.Second,
	}
}

func (a *AudioStrategy) Name() string { return "audio" }

func (a *AudioStrategy) Solve(ctx context.Context, ch *Challenge) error {
	if err := ch.Panel.WaitVisible(ctx, SelAudioButton, a.SurfaceWait); err == nil {
		sleepJitter(ctx, 30*time.Millisecond, 150*time.Millisecond)
		if err := ch.Panel.Click(ctx, SelAudioButton); err != nil {
			return fmt.Errorf("switch to audio: %w", err)
		}
	}
	if isBlocked(ctx, ch.Panel) {
		return ErrBlocked
	}

	if err := ch.Panel.WaitVisible(ctx, SelAudioDownload, a.SurfaceWait); err != nil {
		if isBlocked(ctx, ch.Panel) {
			return ErrBlocked
		}
		return ErrNoAnswer
	}

	src, err := ch.Panel.Attr(ctx, SelAudioSource, "src")
	if err != nil || src == "" {
		return ErrNoAnswer
	}

	audio, err := a.download(ctx, src)
	if err != nil {
		log.Printf("[captcha] %s audio download failed: %v", ch.AttemptID, err)
		return ErrNoAnswer
	}

	answer, err := a.speech.Transcribe(ctx, audio)
	if err != nil || answer == "" {
		if a.artifacts != nil {
			key := fmt.Sprintf("audio/%s.mp3", ch.AttemptID)
			if _, aerr := a.artifacts.Save(ctx, key, audio, "audio/mpeg"); aerr == nil {
				log.Printf("[captcha] %s transcription failed, audio archived at %s", ch.AttemptID, key)
			}
		}
		return ErrNoAnswer
	}

	sleepJitter(ctx, 30*time.Millisecond, 150*time.Millisecond)
	if err := ch.Panel.Click(ctx, SelAudioResponse); err != nil {
		return fmt.Errorf("focus answer field: %w", err)
	}
	if err := ch.Panel.Type(ctx, SelAudioResponse, answer); err != nil {
		return fmt.Errorf("type answer: %w", err)
	}
	sleepJitter(ctx, 30*time.Millisecond, 150*time.Millisecond)
	if err := ch.Panel.Click(ctx, SelVerify); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}
	return nil
}

func (a *AudioStrategy) download(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("audio download status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), a.DownloadRetries-1)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

// SpeechClient submits raw audio to the speech back-end. Credentials are
// spread round-robin across the pool.
type SpeechClient struct {
	url    string
	tokens []string
	next   atomic.Uint64
	client *http.Client
}

func NewSpeechClient(url string, tokens []string) *SpeechClient {
	return &SpeechClient{
		url:    url,
		tokens: tokens,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Transcribe posts the audio and returns the final recognized utterance.
// The back-end streams JSON fragments with partial hypotheses; the contract
// is to parse all text fields and take the last.
func (c *SpeechClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	token := c.tokens[int(c.next.Add(1)-1)%len(c.tokens)]

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "audio/mpeg3")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("speech back-end status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return lastUtterance(raw), nil
}

var utterancePattern = regexp.MustCompile(`"text"\s*:\s*"([^"]+)"`)

func lastUtterance(raw []byte) string {
	matches := utterancePattern.FindAllSubmatch(raw, -1)
	if len(matches) == 0 {
		return ""
	}
	return string(matches[len(matches)-1][1])
}
