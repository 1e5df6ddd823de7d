package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// promptPattern gates which challenge instances the strategy will attempt.
// Anything else gets a fresh instance instead of a guessed answer.
var promptPattern = regexp.MustCompile(`Select all images with (.+?)(?:\.|$)`)

const dynamicFragment = "Click verify once there are none left"

// VisualStrategy resolves an image-grid challenge: capture the grid,
// classify tiles with the vision back-end, click matches.
type VisualStrategy struct {
	vision    *VisionClient
	artifacts ArtifactStore

	// PromptReloads bounds refreshes while hunting an in-policy prompt.
	PromptReloads int
	// DynamicRounds bounds capture/classify/click cycles for challenge
	// variants that replace clicked tiles.
	DynamicRounds int
	// MaxWidth normalizes captures before classification.
	MaxWidth int
	// RoundPause is the base wait for replacement tiles to render.
	RoundPause time.Duration
	// ReloadPause is the base wait after requesting a fresh instance.
	ReloadPause time.Duration
}

func NewVisualStrategy(vision *VisionClient, artifacts ArtifactStore) *VisualStrategy {
	return &VisualStrategy{
		vision:        vision,
		artifacts:     artifacts,
		PromptReloads: 12,
		DynamicRounds: 4,
		MaxWidth:      512,
		RoundPause:    8 * time.Second,
		ReloadPause:   time.Second,
	}
}

func (v *VisualStrategy) Name() string { return "visual" }

func (v *VisualStrategy) Solve(ctx context.Context, ch *Challenge) error {
	desc, err := v.acceptablePrompt(ctx, ch)
	if err != nil {
		return err
	}

	prompt := promptPattern.FindStringSubmatch(desc)[1]
	prompt = strings.TrimSpace(strings.TrimSuffix(prompt, dynamicFragment))
	dynamic := strings.Contains(desc, dynamicFragment)

	grid := 4
	if n, err := ch.Panel.Count(ctx, SelImageTile33); err == nil && n > 0 {
		grid = 3
	}

	rounds := 1
	if dynamic {
		rounds = v.DynamicRounds
	}
	for round := 0; round < rounds; round++ {
		if isBlocked(ctx, ch.Panel) {
			return ErrBlocked
		}
		png, err := ch.Panel.Screenshot(ctx, SelImageChallenge)
		if err != nil {
			return ErrNoAnswer
		}
		capture, err := normalizeCapture(png, v.MaxWidth)
		if err != nil {
			return ErrNoAnswer
		}
		if v.artifacts != nil {
			key := fmt.Sprintf("visual/%s-round%d.jpg", ch.AttemptID, round+1)
			if _, err := v.artifacts.Save(ctx, key, capture, "image/jpeg"); err != nil {
				log.Printf("[captcha] %s archive capture: %v", ch.AttemptID, err)
			}
		}

		tiles, err := v.vision.Classify(ctx, capture, prompt, grid)
		if err != nil {
			log.Printf("[captcha] %s classification failed: %v", ch.AttemptID, err)
			return ErrNoAnswer
		}
		if len(tiles) == 0 {
			// Nothing left to click; verify.
			break
		}
		for _, tile := range tiles {
			idx := (tile.Row-1)*grid + (tile.Col - 1)
			if idx < 0 || idx >= grid*grid {
				continue
			}
			if err := ch.Panel.ClickNth(ctx, SelImageTile, idx); err != nil {
				log.Printf("[captcha] %s click tile [%d,%d]: %v", ch.AttemptID, tile.Row, tile.Col, err)
			}
			sleepJitter(ctx, 100*time.Millisecond, 400*time.Millisecond)
		}
		if !dynamic {
			break
		}
		// Replacement tiles fade in slowly on dynamic variants.
		sleepJitter(ctx, v.RoundPause, v.RoundPause*5/4)
	}

	sleepJitter(ctx, 500*time.Millisecond, time.Second)
	if err := ch.Panel.Click(ctx, SelVerify); err != nil {
		return fmt.Errorf("submit selection: %w", err)
	}
	return nil
}

// acceptablePrompt reads the challenge description, reloading until it
// matches the expected lexical pattern.
func (v *VisualStrategy) acceptablePrompt(ctx context.Context, ch *Challenge) (string, error) {
	for i := 0; ; i++ {
		desc, err := readPrompt(ctx, ch)
		if err == nil && promptPattern.MatchString(desc) {
			return desc, nil
		}
		if isBlocked(ctx, ch.Panel) {
			return "", ErrBlocked
		}
		if i >= v.PromptReloads {
			return "", ErrNoAnswer
		}
		_ = ch.Panel.Click(ctx, SelReload)
		sleepJitter(ctx, v.ReloadPause, 2*v.ReloadPause)
	}
}

func readPrompt(ctx context.Context, ch *Challenge) (string, error) {
	if text, err := ch.Panel.Text(ctx, SelImageDescAlt); err == nil && text != "" {
		return text, nil
	}
	return ch.Panel.Text(ctx, SelImageDesc)
}

// normalizeCapture bounds the capture's width and re-encodes as JPEG,
// keeping classification payloads small.
func normalizeCapture(png []byte, maxWidth int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(png))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode capture: %w", err)
	}
	return buf.Bytes(), nil
}

// Tile is a one-based grid coordinate to click.
type Tile struct {
	Row int
	Col int
}

// VisionClient classifies grid captures through a generative vision
// back-end speaking the generateContent protocol.
type VisionClient struct {
	baseURL string
	key     string
	model   string
	client  *http.Client
}

func NewVisionClient(baseURL, key, model string) *VisionClient {
	return &VisionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type visionRequest struct {
	Contents         []visionContent `json:"contents"`
	GenerationConfig visionGenConfig `json:"generationConfig"`
}

type visionContent struct {
	Parts []visionPart `json:"parts"`
}

type visionPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *visionInlineData `json:"inline_data,omitempty"`
}

type visionInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type visionGenConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`
	TopK        int     `json:"topK"`
}

type visionResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Classify sends the capture with a per-tile instruction and parses the
// match map into click coordinates.
func (c *VisionClient) Classify(ctx context.Context, image []byte, prompt string, grid int) ([]Tile, error) {
	body, err := json.Marshal(visionRequest{
		Contents: []visionContent{{
			Parts: []visionPart{
				{InlineData: &visionInlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(image)}},
				{Text: classifyPrompt(prompt, grid)},
			},
		}},
		GenerationConfig: visionGenConfig{Temperature: 0.1, TopP: 0.95, TopK: 40},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision back-end status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var vr visionResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return nil, fmt.Errorf("decode vision response: %w", err)
	}
	if len(vr.Candidates) == 0 || len(vr.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty vision response")
	}
	return parseMatchMap(vr.Candidates[0].Content.Parts[0].Text)
}

func classifyPrompt(prompt string, grid int) string {
	var gridDesc strings.Builder
	for row := 1; row <= grid; row++ {
		fmt.Fprintf(&gridDesc, "Row %d:", grid-row+1)
		for col := 1; col <= grid; col++ {
			fmt.Fprintf(&gridDesc, " [%d,%d]", row, col)
		}
		gridDesc.WriteString("\n")
	}
	return fmt.Sprintf(`For each tile in the grid, check if it contains a VISIBLE -- %s -- .
If the object is not present in ANY of the tiles, mark ALL tiles as "has_match": false.
Only mark a tile as "has_match": true if you are CERTAIN the object appears in that specific tile.

Respond with a JSON object where each key is the tile coordinate in [row,col] format and the value has a 'has_match' boolean.

Grid layout (row,column coordinates):
%s
Respond ONLY with the JSON object.`, prompt, gridDesc.String())
}

// parseMatchMap accepts a bare JSON object or one embedded in a fenced
// block and returns the coordinates flagged as matches.
func parseMatchMap(text string) ([]Tile, error) {
	payload := stripFence(text)

	var matchMap map[string]struct {
		HasMatch bool `json:"has_match"`
	}
	if err := json.Unmarshal([]byte(payload), &matchMap); err != nil {
		return nil, fmt.Errorf("decode match map: %w", err)
	}

	var tiles []Tile
	for coord, v := range matchMap {
		if !v.HasMatch {
			continue
		}
		var row, col int
		if _, err := fmt.Sscanf(strings.ReplaceAll(coord, " ", ""), "[%d,%d]", &row, &col); err != nil {
			continue
		}
		tiles = append(tiles, Tile{Row: row, Col: col})
	}
	return tiles, nil
}

func stripFence(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	return strings.TrimSpace(text)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
