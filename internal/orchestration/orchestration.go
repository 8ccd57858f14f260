// Package orchestration runs the two request flows: ingesting a website
// into a tenant session, and answering a chat turn from retrieved passages
// plus recent conversation history.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/sitechat/internal/conversation"
	"github.com/zulandar/sitechat/internal/fetch"
	"github.com/zulandar/sitechat/internal/generate"
	"github.com/zulandar/sitechat/internal/retrieval"
	"github.com/zulandar/sitechat/internal/tenant"
)

// Request flow errors. Generation failures never reach callers of Chat; they
// are logged with ErrGenerationUnavailable and replaced by the fallback.
var (
	ErrInvalidRequest        = errors.New("orchestration: invalid request")
	ErrTenantNotInitialized  = errors.New("orchestration: tenant session not initialized")
	ErrRetrievalUnavailable  = errors.New("orchestration: retrieval unavailable")
	ErrGenerationUnavailable = errors.New("orchestration: generation unavailable")
)

// Ingest policies for re-ingesting the URL a session already holds.
const (
	PolicyReset      = "reset"
	PolicyAccumulate = "accumulate"
)

// Defaults applied by New.
const (
	DefaultTopK            = 5
	DefaultHistoryWindow   = 5
	DefaultFallbackAnswer  = "No AI response generated."
	DefaultConversationID  = "default"
	DefaultGenerateTimeout = 60 * time.Second
)

// Sessions is the registry surface the orchestrator needs.
type Sessions interface {
	CreateOrReset(ctx context.Context, tenantID, websiteURL string) (*tenant.Session, error)
	Get(tenantID string) (*tenant.Session, error)
}

// Opts configures an Orchestrator.
type Opts struct {
	Sessions            Sessions       // required
	Fetcher             fetch.Fetcher  // required
	Model               generate.Model // required
	TopK                int
	HistoryWindow       int
	FallbackAnswer      string
	DefaultConversation string
	Policy              string
	GenerateTimeout     time.Duration
}

// Orchestrator wires the registry to the fetch, retrieval and model
// collaborators.
type Orchestrator struct {
	sessions        Sessions
	fetcher         fetch.Fetcher
	model           generate.Model
	topK            int
	window          int
	fallback        string
	defaultConv     string
	policy          string
	generateTimeout time.Duration
}

// New creates an Orchestrator with defaults applied.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("orchestration: sessions are required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("orchestration: fetcher is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("orchestration: model is required")
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.FallbackAnswer == "" {
		opts.FallbackAnswer = DefaultFallbackAnswer
	}
	if opts.DefaultConversation == "" {
		opts.DefaultConversation = DefaultConversationID
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyReset
	case PolicyReset, PolicyAccumulate:
	default:
		return nil, fmt.Errorf("orchestration: unknown ingest policy %q", opts.Policy)
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = DefaultGenerateTimeout
	}
	return &Orchestrator{
		sessions:        opts.Sessions,
		fetcher:         opts.Fetcher,
		model:           opts.Model,
		topK:            opts.TopK,
		window:          opts.HistoryWindow,
		fallback:        opts.FallbackAnswer,
		defaultConv:     opts.DefaultConversation,
		policy:          opts.Policy,
		generateTimeout: opts.GenerateTimeout,
	}, nil
}

// IngestResult describes a completed ingestion.
type IngestResult struct {
	TenantID   string
	WebsiteURL string
	Location   string
	Bytes      int
}

// Ingest creates or resets the tenant's session for websiteURL, fetches the
// page and indexes its text. A failed fetch leaves the session as
// CreateOrReset left it.
func (o *Orchestrator) Ingest(ctx context.Context, tenantID, websiteURL string) (*IngestResult, error) {
	websiteURL = strings.TrimSpace(websiteURL)
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u, err := url.Parse(websiteURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: website_url must be an http(s) URL", ErrInvalidRequest)
	}

	sess, err := o.sessions.CreateOrReset(ctx, tenantID, websiteURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	text, err := o.fetcher.Fetch(ctx, websiteURL)
	if err != nil {
		log.Printf("ingest: tenant %s: fetch %s: %v", tenantID, websiteURL, err)
		return nil, err
	}

	unlock := sess.LockIngest()
	defer unlock()
	if o.policy == PolicyReset {
		if err := sess.Handle.Reset(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
		}
	}
	doc := retrieval.Document{Text: text, Metadata: map[string]string{"source": websiteURL}}
	if err := sess.Handle.Index(ctx, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	log.Printf("ingest: tenant %s: indexed %d bytes from %s", tenantID, len(text), websiteURL)
	return &IngestResult{
		TenantID:   tenantID,
		WebsiteURL: websiteURL,
		Location:   sess.Handle.Location(),
		Bytes:      len(text),
	}, nil
}

// ChatRequest is one user turn.
type ChatRequest struct {
	TenantID       string
	Message        string
	ConversationID string // empty selects the default conversation
}

// ChatResult is the recorded assistant turn.
type ChatResult struct {
	Answer         string
	ConversationID string
	Passages       int
	Fallback       bool // the model failed or returned nothing
}

// Chat answers one turn. Model failures are absorbed into the fallback
// answer; a missing session or a failed retrieval is returned as an error.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	convID := req.ConversationID
	if convID == "" {
		convID = o.defaultConv
	}

	sess, err := o.sessions.Get(req.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, ErrTenantNotInitialized
		}
		return nil, err
	}

	history := sess.Conversations.RecentWindow(convID, o.window)
	if _, err := sess.Conversations.Append(convID, conversation.RoleUser, req.Message); err != nil {
		return nil, fmt.Errorf("orchestration: record user turn: %w", err)
	}

	passages, err := sess.Handle.Query(ctx, req.Message, o.topK)
	if err != nil {
		log.Printf("chat: tenant %s: query: %v", req.TenantID, err)
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	p, err := BuildPrompt(passages, history, req.Message)
	if err != nil {
		return nil, err
	}

	answer, genErr := o.generate(ctx, p)
	fallback := false
	if genErr != nil || strings.TrimSpace(answer) == "" {
		if genErr == nil {
			genErr = errors.New("empty response")
		}
		log.Printf("chat: tenant %s: %v: %v", req.TenantID, ErrGenerationUnavailable, genErr)
		answer = o.fallback
		fallback = true
	}

	if _, err := sess.Conversations.Append(convID, conversation.RoleAssistant, answer); err != nil {
		return nil, fmt.Errorf("orchestration: record assistant turn: %w", err)
	}
	return &ChatResult{
		Answer:         answer,
		ConversationID: convID,
		Passages:       len(passages),
		Fallback:       fallback,
	}, nil
}

func (o *Orchestrator) generate(ctx context.Context, p string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.generateTimeout)
	defer cancel()
	stream, err := o.model.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	return generate.Collect(stream)
}
