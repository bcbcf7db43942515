package transport

import (
	"context"
	"fmt"

	"github.com/MrWong99/devecho/pkg/ipc"
)

// Client exposes the backend's request kinds as typed methods over a
// [Channel].
type Client struct {
	ch *Channel
}

// NewClient returns a Client that sends through ch.
func NewClient(ch *Channel) *Client {
	return &Client{ch: ch}
}

// Channel returns the underlying channel.
func (c *Client) Channel() *Channel { return c.ch }

func call[T ipc.Message](ctx context.Context, ch *Channel, req ipc.Message) (T, error) {
	var zero T
	msg, err := ch.Request(ctx, req)
	if err != nil {
		return zero, err
	}
	reply, ok := msg.(T)
	if !ok {
		return zero, &ipc.UnexpectedKindError{Kind: msg.Kind(), Expected: []ipc.Kind{zero.Kind()}}
	}
	return reply, nil
}

// AskLocal sends a query to the local model. queryType is
// [ipc.QueryTypeChat] or [ipc.QueryTypeQuick].
func (c *Client) AskLocal(ctx context.Context, queryType, content string, history []ipc.ContextEntry) (*ipc.LLMResponse, error) {
	return call[*ipc.LLMResponse](ctx, c.ch, &ipc.LLMQuery{QueryType: queryType, Content: content, Context: history})
}

// AskCloud sends a query to the cloud model. forceRAG makes the backend
// consult the knowledge base regardless of the query's wording.
func (c *Client) AskCloud(ctx context.Context, content string, history []ipc.ContextEntry, forceRAG bool) (*ipc.CloudLLMResponse, error) {
	return call[*ipc.CloudLLMResponse](ctx, c.ch, &ipc.CloudLLMQuery{Content: content, Context: history, ForceRAG: forceRAG})
}

// ListDocuments fetches one page of knowledge-base documents. An empty token
// requests the first page; maxItems <= 0 uses the backend default.
func (c *Client) ListDocuments(ctx context.Context, token string, maxItems int) (*ipc.KBListResponse, error) {
	return call[*ipc.KBListResponse](ctx, c.ch, &ipc.KBList{ContinuationToken: token, MaxItems: max(maxItems, 0)})
}

// ListAllDocuments walks every page and returns the concatenated documents.
func (c *Client) ListAllDocuments(ctx context.Context, pageSize int) ([]ipc.Document, error) {
	var (
		docs  []ipc.Document
		token string
		seen  = map[string]bool{}
	)
	for {
		page, err := c.ListDocuments(ctx, token, pageSize)
		if err != nil {
			return docs, err
		}
		docs = append(docs, page.Documents...)
		if !page.HasMore {
			return docs, nil
		}
		token = page.NextToken()
		if token == "" {
			return docs, fmt.Errorf("transport: list documents: has_more without continuation token")
		}
		if seen[token] {
			return docs, fmt.Errorf("transport: list documents: continuation token %q repeated", token)
		}
		seen[token] = true
	}
}

// AddDocument uploads the markdown file at sourcePath. An empty name uses the
// file name.
func (c *Client) AddDocument(ctx context.Context, sourcePath, name string) (*ipc.KBResponse, error) {
	return call[*ipc.KBResponse](ctx, c.ch, &ipc.KBAdd{SourcePath: sourcePath, Name: name})
}

// UpdateDocument replaces an existing document with the file at sourcePath.
func (c *Client) UpdateDocument(ctx context.Context, sourcePath, name string) (*ipc.KBResponse, error) {
	return call[*ipc.KBResponse](ctx, c.ch, &ipc.KBUpdate{SourcePath: sourcePath, Name: name})
}

// RemoveDocument deletes a document by name.
func (c *Client) RemoveDocument(ctx context.Context, name string) (*ipc.KBResponse, error) {
	return call[*ipc.KBResponse](ctx, c.ch, &ipc.KBRemove{Name: name})
}

// SyncStatus reports the knowledge-base index state.
func (c *Client) SyncStatus(ctx context.Context) (*ipc.KBSyncStatusResponse, error) {
	return call[*ipc.KBSyncStatusResponse](ctx, c.ch, &ipc.KBSyncStatus{})
}

// TriggerSync starts re-indexing the knowledge base.
func (c *Client) TriggerSync(ctx context.Context) (*ipc.KBSyncTriggerResponse, error) {
	return call[*ipc.KBSyncTriggerResponse](ctx, c.ch, &ipc.KBSyncTrigger{})
}

// Ping round-trips a liveness check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := call[*ipc.Pong](ctx, c.ch, &ipc.Ping{})
	return err
}

// Shutdown asks the backend to stop and waits for its acknowledgement.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := call[*ipc.Ack](ctx, c.ch, &ipc.Shutdown{})
	return err
}
