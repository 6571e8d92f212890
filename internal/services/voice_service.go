package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

// VoiceService transcribes voice messages recorded in the support chat so
// they can flow through the same responder pipeline as typed text.
type VoiceService struct {
	client *speech.Client
}

type VoiceMessage struct {
	Audio      string `json:"audio" validate:"required"` // base64
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

func NewVoiceService() *VoiceService {
	ctx := context.Background()
	client, err := speech.NewClient(ctx)
	if err != nil {
		log.Printf("Warning: Failed to initialize speech client: %v", err)
		return &VoiceService{client: nil}
	}
	return &VoiceService{client: client}
}

// Transcribe converts a recorded support message to text. The chat language
// tag picks the recognition locale.
func (s *VoiceService) Transcribe(ctx context.Context, msg VoiceMessage, language string) (string, float32, error) {
	audioBytes, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		return "", 0, fmt.Errorf("failed to decode audio: %w", err)
	}
	if len(audioBytes) == 0 {
		return "", 0, errors.New("audio data is empty")
	}

	if s.client == nil {
		return "", 0, errors.New("speech client unavailable")
	}

	encoding, err := parseEncoding(defaultString(msg.Encoding, "WEBM_OPUS"))
	if err != nil {
		return "", 0, err
	}
	sampleRate := msg.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}

	speechReq := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   encoding,
			SampleRateHertz:            int32(sampleRate),
			LanguageCode:               localeFor(language),
			EnableAutomaticPunctuation: true,
			Model:                      "latest_short",
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{
				Content: audioBytes,
			},
		},
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := s.client.Recognize(timeoutCtx, speechReq)
	if err != nil {
		return "", 0, fmt.Errorf("recognition failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return "", 0, errors.New("no transcription results")
	}

	var transcript strings.Builder
	var totalConfidence float32
	var count int
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			alternative := result.Alternatives[0]
			transcript.WriteString(alternative.Transcript)
			transcript.WriteString(" ")
			totalConfidence += alternative.Confidence
			count++
		}
	}
	if count == 0 {
		return "", 0, errors.New("no alternatives in results")
	}

	return strings.TrimSpace(transcript.String()), totalConfidence / float32(count), nil
}

// localeFor maps the chat language tag to a recognition locale.
func localeFor(language string) string {
	switch language {
	case "lv":
		return "lv-LV"
	default:
		return "en-US"
	}
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func parseEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

func (s *VoiceService) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
