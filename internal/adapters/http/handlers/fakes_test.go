package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openbrainhub/neuroagent/internal/adapters/http/middleware"
	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

func testUser() *ports.UserInfo {
	return &ports.UserInfo{Sub: "user-1", Username: "ada"}
}

// injectUser plays the role of the Auth middleware in handler tests.
func injectUser(user *ports.UserInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), user)))
		})
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// sseData extracts the payload of every "data:" line in an SSE body.
func sseData(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, payload)
		}
	}
	return out
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%02d", s.n)
}

// stubGate authenticates a fixed user and denies the project pairs listed in
// denied.
type stubGate struct {
	user   *ports.UserInfo
	denied map[string]bool
}

func newStubGate() *stubGate {
	return &stubGate{user: testUser(), denied: make(map[string]bool)}
}

func (g *stubGate) Verify(context.Context, string) (*ports.UserInfo, error) {
	if g.user == nil {
		return nil, domain.ErrInvalidToken
	}
	return g.user, nil
}

func (g *stubGate) CheckProjectAccess(_ context.Context, _ *ports.UserInfo, vlabID, projectID string) bool {
	return !g.denied[vlabID+"/"+projectID]
}

func (g *stubGate) deny(vlabID, projectID string) {
	g.denied[vlabID+"/"+projectID] = true
}

// memThreads is an in-memory ThreadRepository with scripted list and search
// results.
type memThreads struct {
	mu      sync.Mutex
	threads map[string]*models.Thread
	page    *ports.ThreadPage
	hits    []*ports.ThreadSearchResult

	lastFilter ports.ThreadListFilter
	deleted    []string
	titles     map[string]string
	touched    []string
}

func newMemThreads() *memThreads {
	return &memThreads{
		threads: make(map[string]*models.Thread),
		titles:  make(map[string]string),
	}
}

func (m *memThreads) Create(_ context.Context, thread *models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[thread.ID] = thread
	return nil
}

func (m *memThreads) GetByID(_ context.Context, id string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[id]
	if !ok {
		return nil, domain.ErrThreadNotFound
	}
	return thread, nil
}

func (m *memThreads) GetByIDAndUserID(_ context.Context, id, userID string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[id]
	if !ok || thread.UserID != userID {
		return nil, domain.ErrThreadNotFound
	}
	return thread, nil
}

func (m *memThreads) List(_ context.Context, _ string, filter ports.ThreadListFilter) (*ports.ThreadPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter
	if m.page != nil {
		return m.page, nil
	}
	return &ports.ThreadPage{}, nil
}

func (m *memThreads) UpdateTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[id] = title
	return nil
}

func (m *memThreads) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return nil
}

func (m *memThreads) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memThreads) Search(context.Context, string, string, string, string, int) ([]*ports.ThreadSearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, nil
}

func (m *memThreads) IsEmpty(context.Context, string) (bool, error) { return false, nil }

// memMsgs is an in-memory MessageRepository. Listing and the HIL interrupt
// message are scripted; writes are recorded.
type memMsgs struct {
	mu         sync.Mutex
	page       *ports.MessagePage
	all        []*models.Message
	incomplete *models.Message
	callParts  map[string]*models.Part

	created   []*models.Message
	appended  map[string]int
	validated map[string]bool
}

func newMemMsgs() *memMsgs {
	return &memMsgs{
		callParts: make(map[string]*models.Part),
		appended:  make(map[string]int),
		validated: make(map[string]bool),
	}
}

func (m *memMsgs) Create(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, msg)
	m.all = append(m.all, msg)
	return nil
}

func (m *memMsgs) GetByID(context.Context, string) (*models.Message, error) {
	return nil, domain.ErrMessageNotFound
}

func (m *memMsgs) GetByIDWithParts(context.Context, string) (*models.Message, error) {
	return nil, domain.ErrMessageNotFound
}

func (m *memMsgs) ListByThread(_ context.Context, _ string, _ time.Time, _ int, _ ports.SortOrder, role models.MessageRole) (*ports.MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page == nil {
		return &ports.MessagePage{}, nil
	}
	if role == "" {
		return m.page, nil
	}
	filtered := &ports.MessagePage{HasMore: m.page.HasMore, NextCursor: m.page.NextCursor}
	for _, msg := range m.page.Messages {
		if msg.Role == role {
			filtered.Messages = append(filtered.Messages, msg)
		}
	}
	return filtered, nil
}

func (m *memMsgs) GetAllByThread(_ context.Context, threadID string) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, msg := range m.all {
		if msg.ThreadID == threadID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMsgs) GetIncompleteAssistant(_ context.Context, threadID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incomplete == nil || m.incomplete.ThreadID != threadID {
		return nil, domain.ErrMessageNotFound
	}
	return m.incomplete, nil
}

func (m *memMsgs) SetComplete(_ context.Context, id string, complete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.all {
		if msg.ID == id {
			msg.IsComplete = complete
			return nil
		}
	}
	return domain.ErrMessageNotFound
}

func (m *memMsgs) AppendParts(_ context.Context, messageID string, parts []*models.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended[messageID] += len(parts)
	return nil
}

func (m *memMsgs) NextPartOrderIndex(context.Context, string) (int, error) { return 0, nil }

func (m *memMsgs) SetPartValidated(_ context.Context, _, callID string, validated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.callParts[callID]; !ok {
		return domain.ErrMessageNotFound
	}
	m.validated[callID] = validated
	return nil
}

func (m *memMsgs) GetPartByCallID(_ context.Context, _, callID string) (*models.Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	part, ok := m.callParts[callID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return part, nil
}

func (m *memMsgs) UpdateSearchVector(context.Context, string, string) error { return nil }

type fakeLedger struct {
	mu      sync.Mutex
	records []*models.TokenUsage
}

func (f *fakeLedger) Create(ctx context.Context, u *models.TokenUsage) error {
	return f.CreateBatch(ctx, []*models.TokenUsage{u})
}

func (f *fakeLedger) CreateBatch(_ context.Context, usages []*models.TokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, usages...)
	return nil
}

func (f *fakeLedger) GetByMessage(_ context.Context, messageID string) ([]*models.TokenUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TokenUsage
	for _, r := range f.records {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeSelections struct{}

func (fakeSelections) CreateBatch(context.Context, []*models.ToolSelection) error { return nil }
func (fakeSelections) GetByMessage(context.Context, string) ([]*models.ToolSelection, error) {
	return nil, nil
}

type limiterCall struct {
	subject string
	route   string
	limit   int64
	window  time.Duration
}

// stubLimiter replays one scripted verdict and records every check.
type stubLimiter struct {
	mu    sync.Mutex
	info  *ports.RateLimitInfo
	err   error
	calls []limiterCall
}

func (l *stubLimiter) Check(_ context.Context, subject, route string, limit int64, window time.Duration) (*ports.RateLimitInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, limiterCall{subject: subject, route: route, limit: limit, window: window})
	return l.info, l.err
}

type accountingStart struct {
	sub       string
	vlabID    string
	projectID string
}

type fakeAccounting struct {
	mu       sync.Mutex
	startErr error
	closer   *fakeCloser
	starts   []accountingStart
}

func (f *fakeAccounting) Start(_ context.Context, sub, vlabID, projectID string) (ports.AccountingCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, accountingStart{sub: sub, vlabID: vlabID, projectID: projectID})
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.closer == nil {
		f.closer = &fakeCloser{}
	}
	return f.closer, nil
}

type fakeCloser struct {
	mu     sync.Mutex
	closed bool
	input  int64
	output int64
}

func (f *fakeCloser) Close(_ context.Context, inputTokens, outputTokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.input = inputTokens
	f.output = outputTokens
	return nil
}

// fakeStore is an in-memory ObjectStore seeded with objects.
type fakeStore struct {
	mu      sync.Mutex
	objects []ports.StoredObject
	deleted []string
}

func (f *fakeStore) Put(context.Context, string, string, map[string]string, io.Reader) error {
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeStore) ListPrefix(_ context.Context, prefix string) ([]ports.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ports.StoredObject
	for _, obj := range f.objects {
		if strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteKeys(_ context.Context, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, keys...)
	return len(keys), nil
}

// fakeLLM replays scripted event streams and envelopes.
type fakeLLM struct {
	mu        sync.Mutex
	scripts   [][]llm.StreamEvent
	envelopes []*llm.ResponseEnvelope
	creates   []*llm.Request
}

func (f *fakeLLM) Stream(_ context.Context, _ *llm.Request) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return nil, fmt.Errorf("no scripted turn left")
	}
	script := f.scripts[0]
	f.scripts = f.scripts[1:]

	ch := make(chan llm.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Create(_ context.Context, req *llm.Request) (*llm.ResponseEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if len(f.envelopes) == 0 {
		return nil, fmt.Errorf("no scripted envelope left")
	}
	envelope := f.envelopes[0]
	f.envelopes = f.envelopes[1:]
	return envelope, nil
}

// textTurn scripts one streamed turn producing the given text chunks.
func textTurn(itemID string, chunks ...string) []llm.StreamEvent {
	events := []llm.StreamEvent{{Type: llm.EventContentPartAdded, ItemID: itemID}}
	full := ""
	for _, chunk := range chunks {
		full += chunk
		events = append(events, llm.StreamEvent{Type: llm.EventOutputTextDelta, ItemID: itemID, Delta: chunk})
	}
	var usage llm.Usage
	usage.InputTokens = 100
	usage.InputTokensDetails.CachedTokens = 20
	usage.OutputTokens = 10
	events = append(events,
		llm.StreamEvent{Type: llm.EventContentPartDone, ItemID: itemID, Part: &llm.ContentPart{Type: "output_text", Text: full}},
		llm.StreamEvent{
			Type:     llm.EventResponseCompleted,
			Response: &llm.ResponseEnvelope{Status: "completed", Usage: &usage},
		},
	)
	return events
}

func textEnvelope(text string) *llm.ResponseEnvelope {
	return &llm.ResponseEnvelope{
		Status:     "completed",
		OutputText: text,
		Usage:      &llm.Usage{InputTokens: 30, OutputTokens: 8},
	}
}
