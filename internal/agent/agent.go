package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nicodishanthj/soldocs/internal/chain"
	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/idl"
	"github.com/nicodishanthj/soldocs/internal/store"
)

const (
	// maxAttempts is the retry budget of a queue item before its program
	// is marked permanently failed.
	maxAttempts = 10
	// upgradeCheckEvery is the number of loop iterations between scans of
	// documented programs for on-chain IDL upgrades.
	upgradeCheckEvery = 12
	// maxRecentErrors caps the in-memory error ring.
	maxRecentErrors = 50

	// loopProgramID tags error-ring entries that did not originate from a
	// specific program.
	loopProgramID = "agent-loop"
)

// ErrAlreadyRunning is returned by Start when the loop is live.
var ErrAlreadyRunning = errors.New("agent already running")

// ChainClient is the slice of the chain surface the agent uses.
type ChainClient interface {
	GetAccount(ctx context.Context, address string) (*chain.Account, error)
	FetchIDL(ctx context.Context, programID string) (idl.IDL, error)
}

// DocGenerator produces a Documentation from an interface description.
type DocGenerator interface {
	Generate(ctx context.Context, doc idl.IDL, programID, idlHash string) (store.Documentation, error)
}

// Config carries the agent's runtime knobs.
type Config struct {
	DiscoveryInterval time.Duration
	Concurrency       int
}

// AgentError is one entry in the bounded error ring.
type AgentError struct {
	ProgramID string    `json:"programId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a point-in-time view of the agent, safe for the caller to hold.
type State struct {
	Running            bool         `json:"running"`
	StartedAt          *time.Time   `json:"startedAt,omitempty"`
	LastRunAt          *time.Time   `json:"lastRunAt,omitempty"`
	ProgramsDocumented int          `json:"programsDocumented"`
	ProgramsFailed     int          `json:"programsFailed"`
	TotalProcessed     int          `json:"totalProcessed"`
	QueueLength        int          `json:"queueLength"`
	Stats              store.Stats  `json:"stats"`
	RecentErrors       []AgentError `json:"recentErrors"`
}

// Agent drains the persistent queue with bounded parallelism, records
// failures against each item's attempt count, recovers interrupted work at
// startup, and periodically rechecks documented programs for IDL upgrades.
// Failed items are not picked up again by the loop; they return to the
// pending set only when re-submitted through AddToQueue.
type Agent struct {
	store     *store.Store
	chain     ChainClient
	generator DocGenerator
	notifier  Notifier
	cfg       Config

	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	lastRunAt      time.Time
	documented     int
	failed         int
	processed      int
	recentErrors   []AgentError
	upgradeCounter int
	stopCh         chan struct{}
	done           chan struct{}
}

// New wires an agent. notifier may be nil when no webhook sink is
// configured.
func New(st *store.Store, chainClient ChainClient, generator DocGenerator, notifier Notifier, cfg Config) *Agent {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Minute
	}
	return &Agent{store: st, chain: chainClient, generator: generator, notifier: notifier, cfg: cfg}
}

// Start launches the main loop. It fails when the loop is already live.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.startedAt = time.Now().UTC()
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	go func() {
		defer close(done)
		a.run(ctx)
	}()
	return nil
}

// Stop asks the loop to exit: no new batches are started past the next
// batch boundary and the inter-iteration sleep is woken immediately.
// In-flight items run to completion; use Done to wait for them.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.stopCh)
}

// Done reports loop termination. Returns a closed channel when the agent
// never started.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.done
}

// State assembles a live view: store stats and queue length are re-read,
// and the error ring is copied so callers never observe mutation.
func (a *Agent) State() State {
	stats, err := a.store.Stats()
	if err != nil {
		common.Logger().Warn("agent: stats read failed", "error", err)
	}
	queueLength := 0
	if pending, err := a.store.ListPending(); err == nil {
		queueLength = len(pending)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	state := State{
		Running:            a.running,
		ProgramsDocumented: a.documented,
		ProgramsFailed:     a.failed,
		TotalProcessed:     a.processed,
		QueueLength:        queueLength,
		Stats:              stats,
	}
	if !a.startedAt.IsZero() {
		startedAt := a.startedAt
		state.StartedAt = &startedAt
	}
	if !a.lastRunAt.IsZero() {
		lastRunAt := a.lastRunAt
		state.LastRunAt = &lastRunAt
	}
	state.RecentErrors = make([]AgentError, len(a.recentErrors))
	copy(state.RecentErrors, a.recentErrors)
	return state
}

func (a *Agent) run(ctx context.Context) {
	logger := common.Logger()
	logger.Info("agent: starting", "interval", a.cfg.DiscoveryInterval, "concurrency", a.cfg.Concurrency)

	if recovered, err := a.store.RecoverStuckItems(); err != nil {
		a.recordError(loopProgramID, fmt.Sprintf("recover stuck items: %v", err))
	} else if recovered > 0 {
		logger.Info("agent: recovered interrupted queue items", "count", recovered)
	}
	a.seedIfEmpty()

	for a.isRunning() {
		if err := a.processQueue(ctx); err != nil {
			logger.Error("agent: queue pass failed", "error", err)
			a.recordError(loopProgramID, err.Error())
		}
		a.mu.Lock()
		a.lastRunAt = time.Now().UTC()
		a.upgradeCounter++
		runUpgrade := a.upgradeCounter >= upgradeCheckEvery
		if runUpgrade {
			a.upgradeCounter = 0
		}
		a.mu.Unlock()

		if runUpgrade {
			a.checkUpgrades(ctx)
		}
		if !a.isRunning() {
			break
		}
		select {
		case <-a.stopChan():
		case <-ctx.Done():
			a.Stop()
		case <-time.After(a.cfg.DiscoveryInterval):
		}
	}
	logger.Info("agent: stopped")
}

func (a *Agent) seedIfEmpty() {
	queue, err := a.store.ListQueue()
	if err != nil {
		a.recordError(loopProgramID, fmt.Sprintf("seed check: %v", err))
		return
	}
	programs, err := a.store.ListPrograms()
	if err != nil {
		a.recordError(loopProgramID, fmt.Sprintf("seed check: %v", err))
		return
	}
	if len(queue) > 0 || len(programs) > 0 {
		return
	}
	seeded, err := Seed(a.store)
	if err != nil {
		a.recordError(loopProgramID, fmt.Sprintf("seed: %v", err))
		return
	}
	common.Logger().Info("agent: seeded well-known programs", "count", seeded)
}

// processQueue drains a snapshot of the pending queue in batches of the
// configured concurrency. Batch items run in parallel and are isolated via
// processProgramSafe; the loop re-checks for a stop request between
// batches.
func (a *Agent) processQueue(ctx context.Context) error {
	pending, err := a.store.ListPending()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	common.Logger().Info("agent: processing queue", "pending", len(pending), "concurrency", a.cfg.Concurrency)

	for start := 0; start < len(pending); start += a.cfg.Concurrency {
		end := start + a.cfg.Concurrency
		if end > len(pending) {
			end = len(pending)
		}
		var wg sync.WaitGroup
		for _, item := range pending[start:end] {
			wg.Add(1)
			go func(item store.QueueItem) {
				defer wg.Done()
				a.processProgramSafe(ctx, item)
			}(item)
		}
		wg.Wait()
		if a.stopRequested() {
			return nil
		}
	}
	return nil
}

// processProgramSafe isolates one queue item: any failure is folded into
// the queue item, the program index, and the error ring without ever
// escaping into the loop.
func (a *Agent) processProgramSafe(ctx context.Context, item store.QueueItem) {
	err := a.processProgram(ctx, item.ProgramID)
	if err == nil {
		return
	}
	logger := common.Logger()
	msg := err.Error()
	logger.Warn("agent: program processing failed", "program", item.ProgramID, "attempt", item.Attempts+1, "error", err)

	failedStatus := store.StatusFailed
	attempts := item.Attempts + 1
	if _, updateErr := a.store.UpdateQueueItemSafe(item.ProgramID, store.QueueUpdate{
		Status:    &failedStatus,
		Attempts:  &attempts,
		LastError: &msg,
	}); updateErr != nil && !errors.Is(updateErr, store.ErrNotFound) {
		logger.Error("agent: queue update failed", "program", item.ProgramID, "error", updateErr)
	}

	a.markProgramFailed(item.ProgramID, msg)
	a.recordError(item.ProgramID, msg)
	a.mu.Lock()
	a.failed++
	a.processed++
	a.mu.Unlock()
}

// processProgram runs one item through the pipeline: retire exhausted
// items, resolve the IDL, skip unchanged content, generate docs, persist,
// notify, dequeue.
func (a *Agent) processProgram(ctx context.Context, id string) error {
	logger := common.Logger()

	if item, err := a.store.GetQueueItem(id); err == nil && item.Attempts >= maxAttempts {
		msg := fmt.Sprintf("Permanently failed after %d attempts: %s", maxAttempts, item.LastError)
		if err := a.store.RemoveFromQueueSafe(id); err != nil {
			return err
		}
		a.markProgramFailed(id, msg)
		a.recordError(id, msg)
		a.mu.Lock()
		a.failed++
		a.processed++
		a.mu.Unlock()
		logger.Warn("agent: program retired", "program", id, "attempts", item.Attempts)
		return nil
	}

	processing := store.StatusProcessing
	if _, err := a.store.UpdateQueueItemSafe(id, store.QueueUpdate{Status: &processing}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	doc, priorHash, err := a.resolveIDL(ctx, id)
	if err != nil {
		return err
	}

	_, priorDocsErr := a.store.GetDocumentation(id)
	cache, err := a.store.SaveIDLSafe(id, doc)
	if err != nil {
		return err
	}
	if priorHash != "" && priorDocsErr == nil && priorHash == cache.Hash {
		logger.Info("agent: idl unchanged, skipping regeneration", "program", id, "hash", cache.Hash)
		return a.store.RemoveFromQueueSafe(id)
	}

	docs, err := a.generator.Generate(ctx, doc, id, cache.Hash)
	if err != nil {
		return err
	}
	if err := a.store.SaveDocumentationSafe(docs); err != nil {
		return err
	}
	if err := a.upsertDocumented(id, doc, docs, cache.Hash); err != nil {
		return err
	}
	a.mu.Lock()
	a.documented++
	a.processed++
	a.mu.Unlock()

	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, docs); err != nil {
			logger.Warn("agent: webhook delivery failed", "program", id, "error", err)
		}
	}

	logger.Info("agent: program documented", "program", id, "name", docs.Name)
	return a.store.RemoveFromQueueSafe(id)
}

// resolveIDL returns the program's interface description, preferring the
// cache and falling back to the chain. The second return is the prior cache
// hash, empty when the program was never cached.
func (a *Agent) resolveIDL(ctx context.Context, id string) (idl.IDL, string, error) {
	cached, err := a.store.GetIDL(id)
	switch {
	case err == nil:
		doc, parseErr := idl.Parse(cached.IDL)
		if parseErr != nil {
			return nil, "", fmt.Errorf("cached idl for %s: %w", id, parseErr)
		}
		return doc, cached.Hash, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, "", err
	}

	account, err := a.chain.GetAccount(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if account == nil {
		return nil, "", fmt.Errorf("program %s not found on chain", id)
	}
	if !account.Executable {
		return nil, "", fmt.Errorf("account %s is not an executable program", id)
	}
	doc, err := a.chain.FetchIDL(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if doc == nil {
		return nil, "", fmt.Errorf("no idl published for program %s", id)
	}
	return doc, "", nil
}

// checkUpgrades re-fetches the on-chain IDL of every documented program and
// re-enqueues the ones whose content hash moved.
func (a *Agent) checkUpgrades(ctx context.Context) {
	logger := common.Logger()
	candidates, err := UpgradeCandidates(a.store)
	if err != nil {
		a.recordError(loopProgramID, fmt.Sprintf("upgrade scan: %v", err))
		return
	}
	if len(candidates) == 0 {
		return
	}
	logger.Info("agent: checking documented programs for idl upgrades", "count", len(candidates))
	for _, id := range candidates {
		if a.stopRequested() {
			return
		}
		doc, err := a.chain.FetchIDL(ctx, id)
		if err != nil || doc == nil {
			continue
		}
		hash, err := idl.Hash(doc)
		if err != nil {
			continue
		}
		cached, err := a.store.GetIDL(id)
		if err == nil && cached.Hash == hash {
			continue
		}
		if _, _, err := a.store.AddToQueueSafe(id); err != nil {
			a.recordError(id, fmt.Sprintf("requeue after upgrade: %v", err))
			continue
		}
		logger.Info("agent: idl upgrade detected", "program", id)
	}
}

// markProgramFailed upserts the index record for a failed program,
// preserving its creation time when one exists.
func (a *Agent) markProgramFailed(id, msg string) {
	now := time.Now().UTC()
	meta := store.ProgramMetadata{
		ProgramID:    id,
		Name:         id[:8] + "...",
		Status:       store.StatusFailed,
		ErrorMessage: msg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing, err := a.store.GetProgram(id); err == nil {
		meta.CreatedAt = existing.CreatedAt
		meta.InstructionCount = existing.InstructionCount
		meta.AccountCount = existing.AccountCount
		meta.IDLHash = existing.IDLHash
	}
	if err := a.store.SaveProgramSafe(meta); err != nil {
		common.Logger().Error("agent: program index update failed", "program", id, "error", err)
	}
}

func (a *Agent) upsertDocumented(id string, doc idl.IDL, docs store.Documentation, hash string) error {
	now := time.Now().UTC()
	meta := store.ProgramMetadata{
		ProgramID:        id,
		Name:             docs.Name,
		Description:      summarizeOverview(docs.Overview),
		InstructionCount: len(doc.Instructions()),
		AccountCount:     len(doc.Accounts()),
		Status:           store.StatusDocumented,
		IDLHash:          hash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing, err := a.store.GetProgram(id); err == nil && !existing.CreatedAt.IsZero() {
		meta.CreatedAt = existing.CreatedAt
	}
	return a.store.SaveProgramSafe(meta)
}

var overviewStripper = strings.NewReplacer("#", "", "*", "", "\n", " ")

// summarizeOverview derives the short index description: Markdown heading
// and emphasis markers dropped, collapsed to one line, capped at 200 chars.
func summarizeOverview(overview string) string {
	desc := strings.TrimSpace(overviewStripper.Replace(overview))
	if len(desc) > 200 {
		desc = desc[:200]
	}
	return desc
}

func (a *Agent) recordError(programID, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recentErrors = append(a.recentErrors, AgentError{
		ProgramID: programID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if len(a.recentErrors) > maxRecentErrors {
		a.recentErrors = a.recentErrors[len(a.recentErrors)-maxRecentErrors:]
	}
}

func (a *Agent) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Agent) stopChan() chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCh
}

func (a *Agent) stopRequested() bool {
	select {
	case <-a.stopChan():
		return true
	default:
		return false
	}
}
