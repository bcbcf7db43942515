// Package ipc defines the wire protocol spoken between the devecho client and
// its backend: newline-delimited JSON envelopes of the form
//
//	{"type": "<kind>", "id": 7, "payload": {...}}
//
// Every message kind has a concrete Go type implementing [Message]. The set of
// implementations is closed (the interface has an unexported method), so a
// type switch over [Message] at a dispatch point covers the whole protocol.
// Requests carry a monotonic id that the peer echoes on the reply; see
// [Pairing] for the request → response/error kind table.
package ipc

// Kind is the discriminating "type" tag of an envelope.
type Kind string

// Message kinds.
const (
	KindAudioData          Kind = "audio_data"
	KindTranscription      Kind = "transcription"
	KindTranscriptionError Kind = "transcription_error"

	KindLLMQuery    Kind = "llm_query"
	KindLLMResponse Kind = "llm_response"
	KindLLMError    Kind = "llm_error"

	KindCloudLLMQuery    Kind = "cloud_llm_query"
	KindCloudLLMResponse Kind = "cloud_llm_response"
	KindCloudLLMError    Kind = "cloud_llm_error"

	KindKBList         Kind = "kb_list"
	KindKBListResponse Kind = "kb_list_response"
	KindKBAdd          Kind = "kb_add"
	KindKBUpdate       Kind = "kb_update"
	KindKBRemove       Kind = "kb_remove"
	KindKBResponse     Kind = "kb_response"
	KindKBError        Kind = "kb_error"

	KindKBSyncStatus          Kind = "kb_sync_status"
	KindKBSyncStatusResponse  Kind = "kb_sync_status_response"
	KindKBSyncTrigger         Kind = "kb_sync_trigger"
	KindKBSyncTriggerResponse Kind = "kb_sync_trigger_response"

	KindPing     Kind = "ping"
	KindPong     Kind = "pong"
	KindShutdown Kind = "shutdown"
	KindAck      Kind = "ack"
)

// Kinds lists every kind in the protocol.
var Kinds = []Kind{
	KindAudioData, KindTranscription, KindTranscriptionError,
	KindLLMQuery, KindLLMResponse, KindLLMError,
	KindCloudLLMQuery, KindCloudLLMResponse, KindCloudLLMError,
	KindKBList, KindKBListResponse, KindKBAdd, KindKBUpdate, KindKBRemove, KindKBResponse, KindKBError,
	KindKBSyncStatus, KindKBSyncStatusResponse, KindKBSyncTrigger, KindKBSyncTriggerResponse,
	KindPing, KindPong, KindShutdown, KindAck,
}

// Pair names the reply kinds a request can be answered with. Error is empty
// for requests that have no error reply.
type Pair struct {
	Response Kind
	Error    Kind
}

// Matches reports whether k is one of the pair's reply kinds.
func (p Pair) Matches(k Kind) bool {
	return k == p.Response || (p.Error != "" && k == p.Error)
}

var pairing = map[Kind]Pair{
	KindLLMQuery:      {Response: KindLLMResponse, Error: KindLLMError},
	KindCloudLLMQuery: {Response: KindCloudLLMResponse, Error: KindCloudLLMError},
	KindKBList:        {Response: KindKBListResponse, Error: KindKBError},
	KindKBAdd:         {Response: KindKBResponse, Error: KindKBError},
	KindKBUpdate:      {Response: KindKBResponse, Error: KindKBError},
	KindKBRemove:      {Response: KindKBResponse, Error: KindKBError},
	KindKBSyncStatus:  {Response: KindKBSyncStatusResponse, Error: KindKBError},
	KindKBSyncTrigger: {Response: KindKBSyncTriggerResponse, Error: KindKBError},
	KindPing:          {Response: KindPong},
	KindShutdown:      {Response: KindAck},
}

// Pairing returns the reply kinds for request kind k. ok is false for kinds
// that are not requests (fire-and-forget, replies, stream messages).
func Pairing(k Kind) (Pair, bool) {
	p, ok := pairing[k]
	return p, ok
}

// IsReply reports whether k is the response or error kind of some request.
func IsReply(k Kind) bool {
	for _, p := range pairing {
		if p.Matches(k) {
			return true
		}
	}
	return false
}
