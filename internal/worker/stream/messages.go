package stream

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/thebtf/facepay/internal/vision"
)

// Inbound message types.
const (
	TypeVideoFrame          = "video_frame"
	TypeToggleFaceDetection = "toggle_face_detection"
	TypeMatchFace           = "match_face"
	TypeClearFaceCache      = "clear_face_cache"
)

// Outbound message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeFaceDetectionResult   = "face_detection_result"
	TypeFaceDetectionToggled  = "face_detection_toggled"
	TypeFaceMatchResult       = "face_match_result"
	TypeFaceCacheCleared      = "face_cache_cleared"
	TypeError                 = "error"
	TypeServerShutdown        = "server_shutdown"
)

// ProtocolError describes why an inbound message was rejected. Its message is
// sent back to the client verbatim.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// Inbound is a decoded client message. Pointer fields distinguish a missing
// field from a zero value.
type Inbound struct {
	FrameData *string   `json:"frame_data"`
	Enabled   *bool     `json:"enabled"`
	Type      string    `json:"type"`
	Embedding []float32 `json:"embedding"`
}

// ParseInbound decodes and validates a client message.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Message: "Invalid message format: expected a JSON object"}
	}

	switch msg.Type {
	case "":
		return nil, &ProtocolError{Message: "Missing field: type"}
	case TypeVideoFrame:
		if msg.FrameData == nil {
			return nil, missingField(msg.Type, "frame_data")
		}
	case TypeToggleFaceDetection:
		if msg.Enabled == nil {
			return nil, missingField(msg.Type, "enabled")
		}
	case TypeMatchFace:
		if msg.Embedding == nil {
			return nil, missingField(msg.Type, "embedding")
		}
	case TypeClearFaceCache:
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("Unknown message type: %s", msg.Type)}
	}
	return &msg, nil
}

func missingField(msgType, field string) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf("Missing field for %s: %s", msgType, field)}
}

// ConnectionEstablished greets a freshly registered connection.
type ConnectionEstablished struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

// FaceResult is the per-face part of a detection result.
type FaceResult struct {
	BBox         vision.BBox `json:"bbox"`
	Confidence   float64     `json:"confidence"`
	HasEmbedding bool        `json:"has_embedding"`
}

// FaceDetectionResult reports the faces found in one frame.
type FaceDetectionResult struct {
	Type            string       `json:"type"`
	Faces           []FaceResult `json:"faces"`
	FacesDetected   int          `json:"faces_detected"`
	EmbeddingsCount int          `json:"embeddings_count"`
}

// FaceDetectionToggled acknowledges a toggle.
type FaceDetectionToggled struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// FaceMatchResult answers a match request. MatchIndex and Confidence are set
// only when a match was found.
type FaceMatchResult struct {
	MatchIndex *int     `json:"match_index,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Type       string   `json:"type"`
	Message    string   `json:"message,omitempty"`
	MatchFound bool     `json:"match_found"`
}

// FaceCacheCleared acknowledges a cache clear.
type FaceCacheCleared struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMessage reports a recoverable problem; the connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerShutdown is broadcast to every client before the server stops.
type ServerShutdown struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

func newConnectionEstablished(id string) ConnectionEstablished {
	return ConnectionEstablished{
		Type:     TypeConnectionEstablished,
		ClientID: id,
		Message:  "Connected to FacePay real-time service",
	}
}

func newFaceDetectionResult(faces []vision.FaceDetection) (FaceDetectionResult, []vision.Embedding) {
	result := FaceDetectionResult{
		Type:          TypeFaceDetectionResult,
		Faces:         make([]FaceResult, 0, len(faces)),
		FacesDetected: len(faces),
	}
	var embeddings []vision.Embedding
	for _, f := range faces {
		hasEmbedding := len(f.Embedding) > 0
		result.Faces = append(result.Faces, FaceResult{
			BBox:         f.Box,
			Confidence:   f.Confidence,
			HasEmbedding: hasEmbedding,
		})
		if hasEmbedding {
			embeddings = append(embeddings, f.Embedding)
		}
	}
	result.EmbeddingsCount = len(embeddings)
	return result, embeddings
}
