package usage

// Metered actions.
const (
	ActionChatResponse     = "chat-response"
	ActionVoiceMinute      = "voice-session-minute"
	ActionEmotionMinute    = "emotion-detection-minute"
	ActionSlideGeneration  = "slide-generation"
	ActionQuizGeneration   = "quiz-generation"
	ActionSpeechSynthesis  = "speech-synthesis"
	ActionAudioTranscribed = "audio-transcription"
)

// CustomAction is the metrics label for caller-priced actions.
const CustomAction = "custom"

// DefaultCosts is the static action cost table.
var DefaultCosts = map[string]int64{
	ActionChatResponse:     1,
	ActionVoiceMinute:      2,
	ActionEmotionMinute:    1,
	ActionSlideGeneration:  5,
	ActionQuizGeneration:   3,
	ActionSpeechSynthesis:  1,
	ActionAudioTranscribed: 1,
}

func copyCosts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
