package session

import "encoding/json"

// Client-to-server message types.
const (
	typeJoinCall         = "join_demo_call"
	typeLeaveCall        = "leave_call"
	typeVoiceInput       = "voice_input"
	typeVoiceStreamChunk = "voice_stream_chunk"
	typeVoiceActivity    = "voice_activity_detected"
)

// Server-to-client message types.
const (
	typeTranscriptUpdate = "demo_transcript_update"
	typeSentimentUpdate  = "demo_sentiment_update"
	typeCallEnded        = "demo_call_ended"
	typeError            = "error"
)

// envelope carries the type tag every message starts with; the payload is
// re-parsed into the concrete type after dispatch.
type envelope struct {
	Type string `json:"type"`
}

// joinCallMessage announces the client on a call after the channel opens.
type joinCallMessage struct {
	Type      string `json:"type"`
	CallID    string `json:"callId"`
	SessionID string `json:"sessionId,omitempty"`
}

// leaveCallMessage announces a deliberate departure.
type leaveCallMessage struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
}

// voiceInputMessage delivers a completed transcript for processing.
type voiceInputMessage struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// voiceStreamChunkMessage delivers one interim transcript chunk of an
// utterance in progress. Sequence is strictly increasing per utterance and
// IsLast marks the final chunk.
type voiceStreamChunkMessage struct {
	Type     string `json:"type"`
	CallID   string `json:"callId"`
	Text     string `json:"text"`
	Sequence int    `json:"sequence"`
	IsLast   bool   `json:"isLast"`
}

// voiceActivityMessage reports a speech boundary detected by the local VAD.
type voiceActivityMessage struct {
	Type       string  `json:"type"`
	CallID     string  `json:"callId"`
	Active     bool    `json:"active"`
	Confidence float64 `json:"confidence"`
}

// TranscriptUpdate is the server's transcript event. When the server attaches
// synthesized speech, AudioData or AudioURL carries it for the playback queue,
// ordered by Sequence with IsLast marking the end of the utterance.
type TranscriptUpdate struct {
	Text        string  `json:"text"`
	Speaker     string  `json:"speaker,omitempty"`
	IsFinal     bool    `json:"isFinal"`
	Confidence  float64 `json:"confidence,omitempty"`
	AudioData   string  `json:"audioData,omitempty"`
	AudioFormat string  `json:"audioFormat,omitempty"`
	AudioURL    string  `json:"audioUrl,omitempty"`
	Sequence    int     `json:"sequence,omitempty"`
	IsLast      bool    `json:"isLast,omitempty"`
}

// SentimentUpdate is the server's rolling sentiment score for the call.
type SentimentUpdate struct {
	Sentiment string  `json:"sentiment"`
	Score     float64 `json:"score"`
}

// CallEnded announces that the server terminated the call.
type CallEnded struct {
	Reason string `json:"reason,omitempty"`
}

// ServerError is an error the server reports over the channel.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeAs re-parses a raw message into the concrete payload type.
func decodeAs[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
