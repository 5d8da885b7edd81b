package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicodishanthj/soldocs/internal/chain"
	"github.com/nicodishanthj/soldocs/internal/docgen"
	"github.com/nicodishanthj/soldocs/internal/idl"
	"github.com/nicodishanthj/soldocs/internal/store"
)

const (
	programA = "dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH"
	programB = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	programC = "MarBmsSgKXdrN1egZf5sqe1TMai9K1rChYNDJgjq7aD"

	mockIDLJSON = `{
		"name": "test_program",
		"instructions": [
			{"name": "initialize", "accounts": [{"name": "state", "isMut": true, "isSigner": false}], "args": []},
			{"name": "update", "accounts": [{"name": "state", "isMut": true, "isSigner": false}], "args": [{"name": "value", "type": "u64"}]}
		],
		"accounts": [{"name": "State", "type": {"kind": "struct", "fields": [{"name": "value", "type": "u64"}]}}]
	}`
)

type mockProvider struct {
	mu    sync.Mutex
	calls int
}

func (m *mockProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return "### generated\n\nCanned documentation.\n\n```\nexample()\n```", nil
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockChain struct {
	mu       sync.Mutex
	accounts map[string]*chain.Account
	idls     map[string]idl.IDL
	errs     map[string]error
	fetches  int
}

func newMockChain() *mockChain {
	return &mockChain{
		accounts: make(map[string]*chain.Account),
		idls:     make(map[string]idl.IDL),
		errs:     make(map[string]error),
	}
}

func (m *mockChain) GetAccount(ctx context.Context, address string) (*chain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[address]; ok {
		return nil, err
	}
	return m.accounts[address], nil
}

func (m *mockChain) FetchIDL(ctx context.Context, programID string) (idl.IDL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if err, ok := m.errs[programID]; ok {
		return nil, err
	}
	return m.idls[programID], nil
}

type testHarness struct {
	store    *store.Store
	chain    *mockChain
	provider *mockProvider
	agent    *Agent
}

func newHarness(t *testing.T, concurrency int, notifier Notifier) *testHarness {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	provider := &mockProvider{}
	chainMock := newMockChain()
	ag := New(st, chainMock, docgen.New(provider), notifier, Config{
		DiscoveryInterval: 50 * time.Millisecond,
		Concurrency:       concurrency,
	})
	return &testHarness{store: st, chain: chainMock, provider: provider, agent: ag}
}

func mustParse(t *testing.T, raw string) idl.IDL {
	t.Helper()
	doc, err := idl.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse idl: %v", err)
	}
	return doc
}

func TestHappyPathWithCachedIDL(t *testing.T) {
	h := newHarness(t, 1, nil)
	doc := mustParse(t, mockIDLJSON)
	if _, err := h.store.SaveIDL(programA, doc); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := h.provider.callCount(); got != 4 {
		t.Fatalf("expected 4 llm calls, made %d", got)
	}
	docs, err := h.store.GetDocumentation(programA)
	if err != nil {
		t.Fatalf("docs: %v", err)
	}
	for name, section := range map[string]string{
		"overview": docs.Overview, "instructions": docs.Instructions,
		"accounts": docs.Accounts, "security": docs.Security,
	} {
		if section == "" {
			t.Fatalf("empty %s section", name)
		}
	}
	meta, err := h.store.GetProgram(programA)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Status != store.StatusDocumented {
		t.Fatalf("status=%s", meta.Status)
	}
	if meta.IDLHash != docs.IDLHash {
		t.Fatalf("hash mismatch between metadata and docs: %s vs %s", meta.IDLHash, docs.IDLHash)
	}
	if meta.InstructionCount != 2 || meta.AccountCount != 1 {
		t.Fatalf("counts: %d/%d", meta.InstructionCount, meta.AccountCount)
	}
	if queue, _ := h.store.ListQueue(); len(queue) != 0 {
		t.Fatalf("queue not drained: %d items", len(queue))
	}
}

func TestIdempotentReprocessSkipsGeneration(t *testing.T) {
	h := newHarness(t, 1, nil)
	doc := mustParse(t, mockIDLJSON)
	if _, err := h.store.SaveIDL(programA, doc); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	firstDocs, err := h.store.GetDocumentation(programA)
	if err != nil {
		t.Fatalf("docs: %v", err)
	}
	callsAfterFirst := h.provider.callCount()

	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if got := h.provider.callCount(); got != callsAfterFirst {
		t.Fatalf("regeneration ran: %d extra llm calls", got-callsAfterFirst)
	}
	secondDocs, err := h.store.GetDocumentation(programA)
	if err != nil {
		t.Fatalf("docs after reprocess: %v", err)
	}
	if !secondDocs.GeneratedAt.Equal(firstDocs.GeneratedAt) {
		t.Fatal("documentation rewritten despite unchanged idl")
	}
	if queue, _ := h.store.ListQueue(); len(queue) != 0 {
		t.Fatalf("queue not drained: %d items", len(queue))
	}
}

func TestFailureRetryAndPermanentFailure(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.chain.errs[programA] = errors.New("401 Unauthorized")
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	item, err := h.store.GetQueueItem(programA)
	if err != nil {
		t.Fatalf("queue item: %v", err)
	}
	if item.Status != store.StatusFailed || item.Attempts != 1 {
		t.Fatalf("after first failure: %+v", item)
	}
	if item.LastError == "" {
		t.Fatal("lastError not recorded")
	}
	state := h.agent.State()
	if len(state.RecentErrors) != 1 {
		t.Fatalf("error ring has %d entries", len(state.RecentErrors))
	}

	// Exhaust the retry budget and flip the item back to pending so the
	// next pass picks it up.
	pending := store.StatusPending
	attempts := maxAttempts
	if _, err := h.store.UpdateQueueItem(programA, store.QueueUpdate{Status: &pending, Attempts: &attempts}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("reprocess: %v", err)
	}

	if _, err := h.store.GetQueueItem(programA); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("queue item should be retired, got %v", err)
	}
	meta, err := h.store.GetProgram(programA)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Status != store.StatusFailed {
		t.Fatalf("status=%s", meta.Status)
	}
	if !strings.Contains(meta.ErrorMessage, "Permanently failed after 10 attempts") {
		t.Fatalf("message=%q", meta.ErrorMessage)
	}
	if got := h.provider.callCount(); got != 0 {
		t.Fatalf("llm consulted for a failed program: %d calls", got)
	}
}

func TestConcurrentBatchMixedOutcomes(t *testing.T) {
	h := newHarness(t, 3, nil)
	doc := mustParse(t, mockIDLJSON)
	for _, id := range []string{programA, programC} {
		if _, err := h.store.SaveIDL(id, doc); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}
	h.chain.errs[programB] = errors.New("401 Unauthorized")
	for _, id := range []string{programA, programB, programC} {
		if _, _, err := h.store.AddToQueue(id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	for _, id := range []string{programA, programC} {
		meta, err := h.store.GetProgram(id)
		if err != nil {
			t.Fatalf("metadata %s: %v", id, err)
		}
		if meta.Status != store.StatusDocumented {
			t.Fatalf("%s status=%s", id, meta.Status)
		}
	}
	queue, _ := h.store.ListQueue()
	if len(queue) != 1 || queue[0].ProgramID != programB {
		t.Fatalf("queue should hold only the failed program: %+v", queue)
	}
	if queue[0].Status != store.StatusFailed || queue[0].Attempts != 1 {
		t.Fatalf("failed item: %+v", queue[0])
	}
}

func TestWebhookFiredOnCompletion(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	h := newHarness(t, 1, NewWebhookNotifier(sink.URL))
	doc := mustParse(t, mockIDLJSON)
	if _, err := h.store.SaveIDL(programA, doc); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("expected exactly one webhook POST, got %d", len(bodies))
	}
	var payload struct {
		Event         string `json:"event"`
		ProgramID     string `json:"programId"`
		Documentation struct {
			Overview         string `json:"overview"`
			InstructionCount int    `json:"instructionCount"`
			IDLHash          string `json:"idlHash"`
		} `json:"documentation"`
	}
	if err := json.Unmarshal(bodies[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Event != "doc.completed" {
		t.Fatalf("event=%q", payload.Event)
	}
	if payload.ProgramID != programA {
		t.Fatalf("programId=%q", payload.ProgramID)
	}
	wantHash, err := idl.Hash(doc)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if payload.Documentation.IDLHash != wantHash {
		t.Fatalf("idlHash=%q want %q", payload.Documentation.IDLHash, wantHash)
	}
	if len(payload.Documentation.Overview) > 500 {
		t.Fatalf("overview not truncated: %d chars", len(payload.Documentation.Overview))
	}
	if payload.Documentation.InstructionCount < 1 {
		t.Fatalf("instructionCount=%d", payload.Documentation.InstructionCount)
	}
}

func TestWebhookFailureDoesNotAffectState(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer sink.Close()

	h := newHarness(t, 1, NewWebhookNotifier(sink.URL))
	doc := mustParse(t, mockIDLJSON)
	if _, err := h.store.SaveIDL(programA, doc); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	meta, err := h.store.GetProgram(programA)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Status != store.StatusDocumented {
		t.Fatalf("webhook failure leaked into program state: %s", meta.Status)
	}
}

func TestCrashRecoveryOnStart(t *testing.T) {
	h := newHarness(t, 1, nil)
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	processing := store.StatusProcessing
	if _, err := h.store.UpdateQueueItem(programA, store.QueueUpdate{Status: &processing}); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	// Give the stuck item a cached IDL so the recovered run can complete.
	if _, err := h.store.SaveIDL(programA, mustParse(t, mockIDLJSON)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		h.agent.Stop()
		<-h.agent.Done()
	}()

	deadline := time.After(2 * time.Second)
	for {
		item, err := h.store.GetQueueItem(programA)
		if errors.Is(err, store.ErrNotFound) {
			return // recovered, processed, and drained
		}
		if err == nil && item.Status == store.StatusPending {
			return // recovered and awaiting its first pass
		}
		select {
		case <-deadline:
			t.Fatalf("item never recovered from processing: %+v", item)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartIsExclusiveAndStopWakesSleep(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.agent.cfg.DiscoveryInterval = time.Hour

	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.agent.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}

	// The loop is now asleep for an hour; Stop must wake it promptly.
	time.Sleep(50 * time.Millisecond)
	h.agent.Stop()
	select {
	case <-h.agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not wake the sleeping loop")
	}
	if state := h.agent.State(); state.Running {
		t.Fatal("state still reports running")
	}
}

func TestErrorRingCapped(t *testing.T) {
	h := newHarness(t, 1, nil)
	for i := 0; i < maxRecentErrors+25; i++ {
		h.agent.recordError(programA, fmt.Sprintf("error %d", i))
	}
	state := h.agent.State()
	if len(state.RecentErrors) != maxRecentErrors {
		t.Fatalf("ring size %d", len(state.RecentErrors))
	}
	if state.RecentErrors[len(state.RecentErrors)-1].Message != fmt.Sprintf("error %d", maxRecentErrors+24) {
		t.Fatal("most recent error lost")
	}
	if state.RecentErrors[0].Message != "error 25" {
		t.Fatalf("oldest retained entry wrong: %q", state.RecentErrors[0].Message)
	}
}

func TestStateIsDeepCopy(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.agent.recordError(programA, "original")
	state := h.agent.State()
	state.RecentErrors[0].Message = "mutated"
	if again := h.agent.State(); again.RecentErrors[0].Message != "original" {
		t.Fatal("caller mutation leaked into agent state")
	}
}

func TestSeedPopulatesEmptyStore(t *testing.T) {
	h := newHarness(t, 1, nil)
	seeded, err := Seed(h.store)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if seeded != len(seedPrograms) {
		t.Fatalf("seeded %d of %d", seeded, len(seedPrograms))
	}
	pending, _ := h.store.ListPending()
	if len(pending) != len(seedPrograms) {
		t.Fatalf("pending %d", len(pending))
	}
	for _, program := range seedPrograms {
		cache, err := h.store.GetIDL(program.ProgramID)
		if err != nil {
			t.Fatalf("idl for %s: %v", program.Label, err)
		}
		if cache.Hash == "" {
			t.Fatalf("no hash for %s", program.Label)
		}
	}
}

func TestUpgradeCheckRequeuesChangedPrograms(t *testing.T) {
	h := newHarness(t, 1, nil)
	doc := mustParse(t, mockIDLJSON)
	if _, err := h.store.SaveIDL(programA, doc); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Same IDL on chain: no requeue.
	h.chain.idls[programA] = doc
	h.agent.checkUpgrades(context.Background())
	if queue, _ := h.store.ListQueue(); len(queue) != 0 {
		t.Fatalf("unchanged idl requeued: %+v", queue)
	}

	// Upgraded IDL on chain: requeued with a fresh retry budget.
	h.chain.idls[programA] = mustParse(t, `{"name":"test_program","instructions":[{"name":"initialize"},{"name":"update"},{"name":"close"}]}`)
	h.agent.checkUpgrades(context.Background())
	item, err := h.store.GetQueueItem(programA)
	if err != nil {
		t.Fatalf("queue item: %v", err)
	}
	if item.Status != store.StatusPending || item.Attempts != 0 {
		t.Fatalf("requeued item: %+v", item)
	}
}

func TestNotExecutableProgramFails(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.chain.accounts[programA] = &chain.Account{Data: []byte{1}, Executable: false}
	if _, _, err := h.store.AddToQueue(programA); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.agent.processQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	item, err := h.store.GetQueueItem(programA)
	if err != nil {
		t.Fatalf("queue item: %v", err)
	}
	if item.Status != store.StatusFailed || !strings.Contains(item.LastError, "not an executable program") {
		t.Fatalf("item: %+v", item)
	}
}
