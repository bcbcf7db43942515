package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/devecho/internal/knowledge"
	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/pkg/ipc"
	"github.com/MrWong99/devecho/pkg/kb"
	"github.com/MrWong99/devecho/pkg/provider/llm"
)

// Handlers answers query and knowledge-base requests. Any nil collaborator
// makes the matching requests fail with a "not configured" error.
type Handlers struct {
	LocalLLM     llm.Provider
	CloudLLM     llm.Provider
	Store        kb.Store
	Index        knowledge.Index
	Syncer       *knowledge.Syncer
	Classifier   *knowledge.Classifier
	SystemPrompt string

	// QuickMaxTokens caps completions of "quick" local queries.
	QuickMaxTokens int

	// PageSize is used when a kb_list request does not set max_items.
	PageSize int

	Metrics *observe.Metrics

	localTimeout atomic.Int64
	cloudTimeout atomic.Int64
	topK         atomic.Int64
}

// SetTimeouts sets the per-query deadlines. Zero disables one.
func (h *Handlers) SetTimeouts(local, cloud time.Duration) {
	h.localTimeout.Store(int64(local))
	h.cloudTimeout.Store(int64(cloud))
}

// SetTopK sets how many chunks cloud queries retrieve.
func (h *Handlers) SetTopK(k int) { h.topK.Store(int64(k)) }

func (h *Handlers) metrics() *observe.Metrics {
	if h.Metrics != nil {
		return h.Metrics
	}
	return observe.DefaultMetrics()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ─── LLM queries ─────────────────────────────────────────────────────────────

// LocalQuery answers an llm_query with an llm_response or llm_error.
func (h *Handlers) LocalQuery(ctx context.Context, q *ipc.LLMQuery) ipc.Message {
	if h.LocalLLM == nil {
		return &ipc.LLMError{Message: "local LLM is not configured", ErrorType: LocalErrorUnavailable}
	}
	timeout := time.Duration(h.localTimeout.Load())
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	prompt := buildPrompt(q.Context, nil, q.Content)
	req := llm.CompletionRequest{
		SystemPrompt: h.SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}
	if q.QueryType == ipc.QueryTypeQuick {
		req.MaxTokens = h.QuickMaxTokens
	}

	start := time.Now()
	resp, err := h.LocalLLM.Complete(ctx, req)
	h.metrics().RecordLLM(ctx, "local", time.Since(start).Seconds())
	if err != nil {
		h.metrics().RecordProviderError(ctx, h.LocalLLM.Model(), "llm")
		observe.Logger(ctx).Error("backend: local query failed", "query_type", q.QueryType, "err", err)
		return localError(err, timeout)
	}
	return &ipc.LLMResponse{
		Content:    resp.Content,
		Model:      modelOf(resp, h.LocalLLM),
		TokensUsed: resp.TokensUsed(prompt),
	}
}

// CloudQuery answers a cloud_llm_query. Retrieval runs when the classifier asks
// for it or the client forces it; a failed retrieval degrades to a plain
// query.
func (h *Handlers) CloudQuery(ctx context.Context, q *ipc.CloudLLMQuery) ipc.Message {
	if h.CloudLLM == nil {
		return &ipc.CloudLLMError{
			Message:    "cloud LLM is not configured",
			ErrorType:  ipc.CloudErrorServiceUnavailable,
			Suggestion: suggestQuick,
		}
	}
	timeout := time.Duration(h.cloudTimeout.Load())
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	log := observe.Logger(ctx)

	var hits []kb.ScoredChunk
	if h.wantsRetrieval(q) {
		var err error
		hits, err = h.Index.Search(ctx, q.Content, int(h.topK.Load()))
		if err != nil {
			log.Warn("backend: retrieval failed, answering without documents", "err", err)
			hits = nil
		}
	}

	prompt := buildPrompt(q.Context, hits, q.Content)
	start := time.Now()
	resp, err := h.CloudLLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: h.SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	h.metrics().RecordLLM(ctx, "cloud", time.Since(start).Seconds())
	if err != nil {
		h.metrics().RecordProviderError(ctx, h.CloudLLM.Model(), "llm")
		log.Error("backend: cloud query failed", "err", err)
		return cloudError(err, timeout)
	}
	return &ipc.CloudLLMResponse{
		Content:    resp.Content,
		Model:      modelOf(resp, h.CloudLLM),
		Sources:    sourcesOf(hits),
		TokensUsed: resp.TokensUsed(prompt),
		UsedRAG:    len(hits) > 0,
	}
}

func (h *Handlers) wantsRetrieval(q *ipc.CloudLLMQuery) bool {
	if h.Index == nil || h.topK.Load() <= 0 {
		return false
	}
	if q.ForceRAG {
		return true
	}
	return h.Classifier != nil && h.Classifier.NeedsRetrieval(q.Content)
}

func modelOf(resp *llm.CompletionResponse, p llm.Provider) string {
	if resp.Model != "" {
		return resp.Model
	}
	return p.Model()
}

// ─── Knowledge base ──────────────────────────────────────────────────────────

var errKBNotConfigured = &ipc.KBError{Message: "knowledge base is not configured", ErrorType: ipc.KBErrorOther}

// List answers kb_list with one page.
func (h *Handlers) List(ctx context.Context, req *ipc.KBList) ipc.Message {
	if h.Store == nil {
		return errKBNotConfigured
	}
	limit := req.MaxItems
	if limit <= 0 {
		limit = h.PageSize
	}
	page, err := h.Store.List(ctx, req.ContinuationToken, limit)
	if err != nil {
		return kbError("list", err)
	}
	resp := &ipc.KBListResponse{
		Documents: make([]ipc.Document, 0, len(page.Documents)),
		HasMore:   page.HasMore(),
	}
	for _, d := range page.Documents {
		resp.Documents = append(resp.Documents, toIPC(d))
	}
	if page.HasMore() {
		token := page.NextToken
		resp.ContinuationToken = &token
	}
	return resp
}

// Add answers kb_add.
func (h *Handlers) Add(ctx context.Context, req *ipc.KBAdd) ipc.Message {
	return h.write(ctx, "add", "Added", req.SourcePath, req.Name, h.storeAdd)
}

// Update answers kb_update.
func (h *Handlers) Update(ctx context.Context, req *ipc.KBUpdate) ipc.Message {
	return h.write(ctx, "update", "Updated", req.SourcePath, req.Name, h.storeUpdate)
}

func (h *Handlers) storeAdd(ctx context.Context, name string, content []byte) (kb.Document, error) {
	return h.Store.Add(ctx, name, content)
}

func (h *Handlers) storeUpdate(ctx context.Context, name string, content []byte) (kb.Document, error) {
	return h.Store.Update(ctx, name, content)
}

func (h *Handlers) write(ctx context.Context, op, verb, sourcePath, name string, put func(context.Context, string, []byte) (kb.Document, error)) ipc.Message {
	if h.Store == nil {
		return errKBNotConfigured
	}
	path := expandHome(sourcePath)
	name, content, err := kb.ReadMarkdown(path, name)
	if errors.Is(err, fs.ErrNotExist) {
		return &ipc.KBError{Message: "Source file not found: " + sourcePath, ErrorType: ipc.KBErrorNotFound}
	}
	if err != nil {
		return kbError(op, err)
	}
	doc, err := put(ctx, name, content)
	if err != nil {
		return kbError(op, err)
	}
	slog.Info("backend: document stored", "op", op, "name", doc.Name, "bytes", doc.SizeBytes)
	d := toIPC(doc)
	return &ipc.KBResponse{
		Success:  true,
		Message:  fmt.Sprintf("%s: %s (%d bytes).%s", verb, doc.Name, doc.SizeBytes, h.resync()),
		Document: &d,
	}
}

// Remove answers kb_remove.
func (h *Handlers) Remove(ctx context.Context, req *ipc.KBRemove) ipc.Message {
	if h.Store == nil {
		return errKBNotConfigured
	}
	if err := h.Store.Remove(ctx, req.Name); err != nil {
		return kbError("remove", err)
	}
	slog.Info("backend: document removed", "name", req.Name)
	return &ipc.KBResponse{
		Success: true,
		Message: fmt.Sprintf("Removed: %s.%s", req.Name, h.resync()),
	}
}

// resync starts an index rebuild after a write, or queues one behind the
// running job, and describes the outcome for the response message.
func (h *Handlers) resync() string {
	if h.Syncer == nil {
		return ""
	}
	jobID, err := h.Syncer.Refresh()
	var inProgress *knowledge.InProgressError
	switch {
	case err == nil:
		return fmt.Sprintf(" Index sync started (job: %s)", jobID)
	case errors.As(err, &inProgress):
		return fmt.Sprintf(" Index sync queued after job %s.", inProgress.JobID)
	case errors.Is(err, knowledge.ErrNotConfigured):
		return ""
	default:
		slog.Warn("backend: index sync not started", "err", err)
		return " Index sync failed: " + err.Error()
	}
}

// SyncStatus answers kb_sync_status.
func (h *Handlers) SyncStatus(context.Context, *ipc.KBSyncStatus) ipc.Message {
	if h.Syncer == nil {
		return &ipc.KBSyncStatusResponse{Status: string(knowledge.StatusNotConfigured)}
	}
	st := h.Syncer.State()
	resp := &ipc.KBSyncStatusResponse{
		Status:        string(st.Status),
		DocumentCount: st.DocumentCount,
		ErrorMessage:  st.ErrorMessage,
	}
	if !st.LastSync.IsZero() {
		ts := ipc.EpochSeconds(st.LastSync)
		resp.LastSync = &ts
	}
	return resp
}

// SyncTrigger answers kb_sync_trigger.
func (h *Handlers) SyncTrigger(context.Context, *ipc.KBSyncTrigger) ipc.Message {
	if h.Syncer == nil {
		return &ipc.KBError{Message: "knowledge base sync is not configured", ErrorType: ipc.KBErrorOther}
	}
	jobID, err := h.Syncer.Trigger()
	var inProgress *knowledge.InProgressError
	switch {
	case err == nil:
		return &ipc.KBSyncTriggerResponse{Success: true, IngestionJobID: jobID, Message: fmt.Sprintf("Sync started (job: %s)", jobID)}
	case errors.As(err, &inProgress):
		return &ipc.KBSyncTriggerResponse{Success: false, IngestionJobID: inProgress.JobID, Message: err.Error()}
	case errors.Is(err, knowledge.ErrNotConfigured):
		return &ipc.KBError{Message: "knowledge base sync is not configured", ErrorType: ipc.KBErrorOther}
	default:
		return kbError("sync", err)
	}
}

// kbError maps a store failure onto a kb_error.
func kbError(op string, err error) *ipc.KBError {
	var (
		invalid  *kb.InvalidMarkdownError
		exists   *kb.ExistsError
		notFound *kb.NotFoundError
	)
	switch {
	case errors.As(err, &invalid):
		return &ipc.KBError{Message: invalid.Error(), ErrorType: ipc.KBErrorInvalidMarkdown}
	case errors.As(err, &exists):
		return &ipc.KBError{Message: exists.Error(), ErrorType: ipc.KBErrorExists}
	case errors.As(err, &notFound):
		return &ipc.KBError{Message: notFound.Error(), ErrorType: ipc.KBErrorNotFound}
	case errors.Is(err, kb.ErrInvalidToken):
		return &ipc.KBError{Message: "invalid continuation token", ErrorType: ipc.KBErrorOther}
	}
	slog.Error("backend: knowledge base request failed", "op", op, "err", err)
	return &ipc.KBError{Message: fmt.Sprintf("knowledge base %s failed: %v", op, err), ErrorType: ipc.KBErrorOther}
}

func toIPC(d kb.Document) ipc.Document {
	return ipc.Document{
		Name:         d.Name,
		Key:          d.Key,
		SizeBytes:    d.SizeBytes,
		LastModified: d.LastModified,
		ETag:         d.ETag,
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
