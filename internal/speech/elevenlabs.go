package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ElevenLabs defaults.
const (
	DefaultElevenLabsURL  = "https://api.elevenlabs.io/v1/text-to-speech"
	DefaultVoiceID        = "DsPSGqcqUCSgArVUBBGy"
	DefaultVoiceModel     = "eleven_turbo_v2"
	DefaultAudioDir       = "audio"
	DefaultAudioRetention = time.Hour

	maxAudioBytes = 20 << 20
)

// ElevenLabsConfig configures an ElevenLabsSpeaker.
type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	VoiceID string
	Model   string
	// AudioDir receives one MP3 per answer.
	AudioDir string
	// Player, when set, is run with the MP3 path as its last argument,
	// e.g. "mpg123 -q".
	Player  string
	Timeout time.Duration
	// Now is the clock used by Cleanup. Defaults to time.Now.
	Now func() time.Time
}

// ElevenLabsSpeaker synthesizes answers with the ElevenLabs REST API.
type ElevenLabsSpeaker struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

// NewElevenLabsSpeaker creates a speaker, filling config defaults.
func NewElevenLabsSpeaker(cfg ElevenLabsConfig) *ElevenLabsSpeaker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultElevenLabsURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.Model == "" {
		cfg.Model = DefaultVoiceModel
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = DefaultAudioDir
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ElevenLabsSpeaker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Speak synthesizes text, stores the MP3 and plays it when a player is
// configured.
func (s *ElevenLabsSpeaker) Speak(ctx context.Context, text string) error {
	path, err := s.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	if s.cfg.Player == "" {
		return nil
	}
	fields := strings.Fields(s.cfg.Player)
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], path)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("speech: play %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Synthesize writes the MP3 for text into the audio directory and returns
// its path.
func (s *ElevenLabsSpeaker) Synthesize(ctx context.Context, text string) (string, error) {
	if s.cfg.APIKey == "" {
		return "", errors.New("speech: no ElevenLabs API key configured")
	}
	body, err := json.Marshal(synthesisRequest{Text: text, ModelID: s.cfg.Model})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + s.cfg.VoiceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech: synthesize: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return "", fmt.Errorf("speech: read audio: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("speech: synthesize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(audio)))
	}
	if len(audio) == 0 {
		return "", errors.New("speech: empty audio response")
	}

	if err := os.MkdirAll(s.cfg.AudioDir, 0o755); err != nil {
		return "", fmt.Errorf("speech: audio dir: %w", err)
	}
	path := filepath.Join(s.cfg.AudioDir, audioPrefix+strings.ToLower(ulid.Make().String())+audioExt)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("speech: write audio: %w", err)
	}
	return path, nil
}

const (
	audioPrefix = "response_"
	audioExt    = ".mp3"
)

// Cleanup removes synthesized answers last modified more than olderThan ago
// and returns how many it removed. Other files in the audio directory are
// left alone. A missing directory is not an error.
func (s *ElevenLabsSpeaker) Cleanup(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.cfg.AudioDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("speech: cleanup: %w", err)
	}
	cutoff := s.cfg.Now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, audioPrefix) || !strings.HasSuffix(name, audioExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.AudioDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if err := errors.Join(errs...); err != nil {
		return removed, fmt.Errorf("speech: cleanup: %w", err)
	}
	return removed, nil
}
