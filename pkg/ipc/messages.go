package ipc

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/devecho/pkg/audio"
)

// Message is implemented by every payload type in this package and only by
// them.
type Message interface {
	Kind() Kind
	sealed()
}

// ─── Audio & transcription ───────────────────────────────────────────────────

// AudioData carries one converted capture frame. Fire-and-forget.
type AudioData struct {
	SamplesBase64 string  `json:"samples_base64" validate:"required,base64"`
	SampleRate    int     `json:"sample_rate" validate:"gt=0"`
	Timestamp     float64 `json:"timestamp"`
	Source        string  `json:"source" validate:"oneof=system microphone"`
}

// NewAudioData encodes frame for the wire.
func NewAudioData(frame audio.Frame) *AudioData {
	return &AudioData{
		SamplesBase64: base64.StdEncoding.EncodeToString(audio.EncodeFloat32LE(frame.Samples)),
		SampleRate:    frame.SampleRate,
		Timestamp:     EpochSeconds(frame.CapturedAt),
		Source:        frame.Source.String(),
	}
}

// Frame decodes the payload back into an audio frame.
func (m *AudioData) Frame() (audio.Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(m.SamplesBase64)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("ipc: audio samples: %w", err)
	}
	samples, err := audio.DecodeFloat32LE(raw)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("ipc: audio samples: %w", err)
	}
	src, err := audio.ParseSource(m.Source)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("ipc: audio source: %w", err)
	}
	return audio.Frame{
		Samples:    samples,
		SampleRate: m.SampleRate,
		CapturedAt: FromEpochSeconds(m.Timestamp),
		Source:     src,
	}, nil
}

// Transcription is streamed unsolicited by the backend.
type Transcription struct {
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	Timestamp  float64 `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

// TranscriptionError is streamed when a recogniser session faults.
type TranscriptionError struct {
	Error  string `json:"error"`
	Source string `json:"source"`
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// ContextEntry is one transcript line sent along with a query.
type ContextEntry struct {
	Text      string  `json:"text"`
	Source    string  `json:"source"`
	Timestamp float64 `json:"timestamp"`
}

// Query types for [LLMQuery].
const (
	QueryTypeChat  = "chat"
	QueryTypeQuick = "quick"
)

// LLMQuery asks the local model.
type LLMQuery struct {
	QueryType string         `json:"query_type" validate:"oneof=chat quick"`
	Content   string         `json:"content" validate:"required"`
	Context   []ContextEntry `json:"context"`
}

// LLMResponse answers an [LLMQuery].
type LLMResponse struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// LLMError reports a failed [LLMQuery].
type LLMError struct {
	Message   string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

func (e *LLMError) Error() string { return "local llm: " + e.Message }

// CloudLLMQuery asks the cloud model, optionally forcing knowledge-base
// retrieval.
type CloudLLMQuery struct {
	Content  string         `json:"content" validate:"required"`
	Context  []ContextEntry `json:"context"`
	ForceRAG bool           `json:"force_rag"`
}

// CloudLLMResponse answers a [CloudLLMQuery].
type CloudLLMResponse struct {
	Content    string   `json:"content"`
	Model      string   `json:"model"`
	Sources    []string `json:"sources"`
	TokensUsed int      `json:"tokens_used"`
	UsedRAG    bool     `json:"used_rag"`
}

// Cloud error types.
const (
	CloudErrorCredentials        = "credentials"
	CloudErrorServiceUnavailable = "service_unavailable"
	CloudErrorTimeout            = "timeout"
	CloudErrorOther              = "other"
)

// CloudLLMError reports a failed [CloudLLMQuery].
type CloudLLMError struct {
	Message    string `json:"error"`
	ErrorType  string `json:"error_type"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *CloudLLMError) Error() string {
	return fmt.Sprintf("cloud llm (%s): %s", e.ErrorType, e.Message)
}

// ─── Knowledge base ──────────────────────────────────────────────────────────

// DefaultPageSize is used when a list request does not set MaxItems.
const DefaultPageSize = 20

// Document describes one stored knowledge-base document.
type Document struct {
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
}

// KBList requests one page of documents. An empty ContinuationToken asks for
// the first page.
type KBList struct {
	ContinuationToken string `json:"continuation_token,omitempty"`
	MaxItems          int    `json:"max_items" validate:"gte=0,lte=1000"`
}

// KBListResponse carries one page. ContinuationToken is non-nil exactly when
// HasMore is true.
type KBListResponse struct {
	Documents         []Document `json:"documents"`
	HasMore           bool       `json:"has_more"`
	ContinuationToken *string    `json:"continuation_token"`
}

// NextToken returns the continuation token or "".
func (m *KBListResponse) NextToken() string {
	if m.ContinuationToken == nil {
		return ""
	}
	return *m.ContinuationToken
}

// KBAdd uploads a local markdown file as a new document.
type KBAdd struct {
	SourcePath string `json:"source_path" validate:"required"`
	Name       string `json:"name"`
}

// KBUpdate replaces an existing document with a local markdown file.
type KBUpdate struct {
	SourcePath string `json:"source_path" validate:"required"`
	Name       string `json:"name"`
}

// KBRemove deletes a document.
type KBRemove struct {
	Name string `json:"name" validate:"required"`
}

// KBResponse answers add/update/remove.
type KBResponse struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	Document *Document `json:"document"`
}

// Knowledge-base error types.
const (
	KBErrorInvalidMarkdown = "invalid_markdown"
	KBErrorExists          = "exists"
	KBErrorNotFound        = "not_found"
	KBErrorOther           = "other"
)

// KBError reports a failed knowledge-base request.
type KBError struct {
	Message   string `json:"error"`
	ErrorType string `json:"error_type"`
}

func (e *KBError) Error() string {
	return fmt.Sprintf("knowledge base (%s): %s", e.ErrorType, e.Message)
}

// KBSyncStatus asks for the index sync state.
type KBSyncStatus struct{}

// KBSyncStatusResponse reports the index sync state. LastSync is seconds since
// the epoch.
type KBSyncStatusResponse struct {
	Status        string   `json:"status"`
	DocumentCount int      `json:"document_count"`
	LastSync      *float64 `json:"last_sync"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// KBSyncTrigger starts an index sync.
type KBSyncTrigger struct{}

// KBSyncTriggerResponse answers [KBSyncTrigger].
type KBSyncTriggerResponse struct {
	Success        bool   `json:"success"`
	IngestionJobID string `json:"ingestion_job_id"`
	Message        string `json:"message"`
}

// ─── Control ─────────────────────────────────────────────────────────────────

// Ping checks liveness; answered by [Pong].
type Ping struct{}

// Pong answers [Ping].
type Pong struct{}

// Shutdown asks the backend to stop; answered by [Ack].
type Shutdown struct{}

// Ack acknowledges [Shutdown].
type Ack struct{}

// ─── Kind / sealed ───────────────────────────────────────────────────────────

func (*AudioData) Kind() Kind             { return KindAudioData }
func (*Transcription) Kind() Kind         { return KindTranscription }
func (*TranscriptionError) Kind() Kind    { return KindTranscriptionError }
func (*LLMQuery) Kind() Kind              { return KindLLMQuery }
func (*LLMResponse) Kind() Kind           { return KindLLMResponse }
func (*LLMError) Kind() Kind              { return KindLLMError }
func (*CloudLLMQuery) Kind() Kind         { return KindCloudLLMQuery }
func (*CloudLLMResponse) Kind() Kind      { return KindCloudLLMResponse }
func (*CloudLLMError) Kind() Kind         { return KindCloudLLMError }
func (*KBList) Kind() Kind                { return KindKBList }
func (*KBListResponse) Kind() Kind        { return KindKBListResponse }
func (*KBAdd) Kind() Kind                 { return KindKBAdd }
func (*KBUpdate) Kind() Kind              { return KindKBUpdate }
func (*KBRemove) Kind() Kind              { return KindKBRemove }
func (*KBResponse) Kind() Kind            { return KindKBResponse }
func (*KBError) Kind() Kind               { return KindKBError }
func (*KBSyncStatus) Kind() Kind          { return KindKBSyncStatus }
func (*KBSyncStatusResponse) Kind() Kind  { return KindKBSyncStatusResponse }
func (*KBSyncTrigger) Kind() Kind         { return KindKBSyncTrigger }
func (*KBSyncTriggerResponse) Kind() Kind { return KindKBSyncTriggerResponse }
func (*Ping) Kind() Kind                  { return KindPing }
func (*Pong) Kind() Kind                  { return KindPong }
func (*Shutdown) Kind() Kind              { return KindShutdown }
func (*Ack) Kind() Kind                   { return KindAck }

func (*AudioData) sealed()             {}
func (*Transcription) sealed()         {}
func (*TranscriptionError) sealed()    {}
func (*LLMQuery) sealed()              {}
func (*LLMResponse) sealed()           {}
func (*LLMError) sealed()              {}
func (*CloudLLMQuery) sealed()         {}
func (*CloudLLMResponse) sealed()      {}
func (*CloudLLMError) sealed()         {}
func (*KBList) sealed()                {}
func (*KBListResponse) sealed()        {}
func (*KBAdd) sealed()                 {}
func (*KBUpdate) sealed()              {}
func (*KBRemove) sealed()              {}
func (*KBResponse) sealed()            {}
func (*KBError) sealed()               {}
func (*KBSyncStatus) sealed()          {}
func (*KBSyncStatusResponse) sealed()  {}
func (*KBSyncTrigger) sealed()         {}
func (*KBSyncTriggerResponse) sealed() {}
func (*Ping) sealed()                  {}
func (*Pong) sealed()                  {}
func (*Shutdown) sealed()              {}
func (*Ack) sealed()                   {}

// constructors maps each kind to a zero value of its payload type. Decode
// relies on it; a test keeps it in step with [Kinds].
var constructors = map[Kind]func() Message{
	KindAudioData:             func() Message { return new(AudioData) },
	KindTranscription:         func() Message { return new(Transcription) },
	KindTranscriptionError:    func() Message { return new(TranscriptionError) },
	KindLLMQuery:              func() Message { return new(LLMQuery) },
	KindLLMResponse:           func() Message { return new(LLMResponse) },
	KindLLMError:              func() Message { return new(LLMError) },
	KindCloudLLMQuery:         func() Message { return new(CloudLLMQuery) },
	KindCloudLLMResponse:      func() Message { return new(CloudLLMResponse) },
	KindCloudLLMError:         func() Message { return new(CloudLLMError) },
	KindKBList:                func() Message { return new(KBList) },
	KindKBListResponse:        func() Message { return new(KBListResponse) },
	KindKBAdd:                 func() Message { return new(KBAdd) },
	KindKBUpdate:              func() Message { return new(KBUpdate) },
	KindKBRemove:              func() Message { return new(KBRemove) },
	KindKBResponse:            func() Message { return new(KBResponse) },
	KindKBError:               func() Message { return new(KBError) },
	KindKBSyncStatus:          func() Message { return new(KBSyncStatus) },
	KindKBSyncStatusResponse:  func() Message { return new(KBSyncStatusResponse) },
	KindKBSyncTrigger:         func() Message { return new(KBSyncTrigger) },
	KindKBSyncTriggerResponse: func() Message { return new(KBSyncTriggerResponse) },
	KindPing:                  func() Message { return new(Ping) },
	KindPong:                  func() Message { return new(Pong) },
	KindShutdown:              func() Message { return new(Shutdown) },
	KindAck:                   func() Message { return new(Ack) },
}

// New returns a zero payload for kind k, or false if k is unknown.
func New(k Kind) (Message, bool) {
	c, ok := constructors[k]
	if !ok {
		return nil, false
	}
	return c(), true
}

// EpochSeconds converts t to fractional seconds since the Unix epoch. The zero
// time maps to 0.
func EpochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FromEpochSeconds is the inverse of [EpochSeconds].
func FromEpochSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}
