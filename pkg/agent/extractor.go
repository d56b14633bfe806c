package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/store"
	"github.com/rs/zerolog"
)

// Exchange is one completed turn handed to the extractor
type Exchange struct {
	UserID        string
	SessionID     string
	UserText      string
	AssistantText string
}

// ExtractorConfig configures the background fact extractor
type ExtractorConfig struct {
	Store    *store.Store
	Provider provider.CompletionProvider
	Logger   zerolog.Logger

	// Workers bounds concurrent extractions. Default 2.
	Workers int

	// QueueSize bounds pending exchanges; submissions beyond it are
	// dropped, never blocked on. Default 32.
	QueueSize int

	// Importance assigned to extracted facts. Default 1.5, above the
	// 1.0 convention for ordinary facts, marking them worth keeping
	// across sessions.
	Importance float64

	// MaxFactLen rejects runaway extractions, counted in runes. Default 400.
	MaxFactLen int

	// Timeout bounds each extraction call. Default 30s.
	Timeout time.Duration
}

const extractionPrompt = `From the exchange below, extract one concise fact about the user worth remembering in future conversations (their name, role, preferences, circumstances). Reply with only the fact. If nothing is worth remembering, reply with exactly NONE.

User: %s
Assistant: %s`

// minFactLen rejects degenerate one-word extractions
const minFactLen = 8

// trivialPattern matches greetings and bare acknowledgements that carry
// nothing worth a model call.
var trivialPattern = regexp.MustCompile(`^(hi|hiya|hey|hello|yo|thanks|thank you|thx|ty|ok|okay|yes|yep|no|nope|sure|bye|goodbye|good (morning|afternoon|evening|night))[.!?\s]*$`)

// Extractor turns completed exchanges into user-scoped memory facts. It
// is a detached worker pool: extraction never blocks a turn, its errors
// surface only on the diagnostics channel, and it is never retried.
type Extractor struct {
	store      *store.Store
	provider   provider.CompletionProvider
	logger     zerolog.Logger
	importance float64
	maxFactLen int
	timeout    time.Duration

	jobs      chan Exchange
	errs      chan error
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewExtractor starts the extraction worker pool
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Importance <= 0 {
		cfg.Importance = 1.5
	}
	if cfg.MaxFactLen <= 0 {
		cfg.MaxFactLen = 400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	e := &Extractor{
		store:      cfg.Store,
		provider:   cfg.Provider,
		logger:     cfg.Logger,
		importance: cfg.Importance,
		maxFactLen: cfg.MaxFactLen,
		timeout:    cfg.Timeout,
		jobs:       make(chan Exchange, cfg.QueueSize),
		errs:       make(chan error, cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e, nil
}

// Errors exposes extraction failures for diagnostics. Reading it is
// optional; when nobody drains it, failures are dropped after the buffer
// fills rather than blocking workers.
func (e *Extractor) Errors() <-chan error {
	return e.errs
}

// Submit queues an exchange for extraction. It never blocks: when the
// queue is full the exchange is dropped and Submit reports false.
func (e *Extractor) Submit(ex Exchange) bool {
	select {
	case e.jobs <- ex:
		return true
	default:
		e.logger.Warn().Str("session_id", ex.SessionID).Msg("Extraction queue full, dropping exchange")
		return false
	}
}

// Close stops accepting work and waits for in-flight extractions
func (e *Extractor) Close() {
	e.closeOnce.Do(func() {
		close(e.jobs)
	})
	e.wg.Wait()
}

func (e *Extractor) worker() {
	defer e.wg.Done()
	for ex := range e.jobs {
		e.process(ex)
	}
}

func (e *Extractor) process(ex Exchange) {
	if skipExtraction(ex) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	prompt := fmt.Sprintf(extractionPrompt, ex.UserText, ex.AssistantText)
	response, err := e.provider.Chat(ctx, []provider.ChatMessage{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		e.report(fmt.Errorf("extraction call failed for session %s: %w", ex.SessionID, err))
		return
	}

	fact := strings.TrimSpace(response.Content)
	if fact == "" || fact == "NONE" {
		return
	}
	if n := utf8.RuneCountInString(fact); n < minFactLen || n > e.maxFactLen {
		e.logger.Debug().Int("len", n).Msg("Extracted fact outside length window, discarding")
		return
	}

	id, err := e.store.AddMemory(ctx, fact, store.UserScope(ex.UserID), e.importance, []string{"auto-extracted"})
	if err != nil {
		e.report(fmt.Errorf("failed to store extracted fact for user %s: %w", ex.UserID, err))
		return
	}

	e.logger.Debug().
		Str("memory_id", id).
		Str("user_id", ex.UserID).
		Msg("Fact extracted")
}

func (e *Extractor) report(err error) {
	e.logger.Warn().Err(err).Msg("Extraction failed")
	select {
	case e.errs <- err:
	default:
	}
}

// skipExtraction filters exchanges that cannot yield a durable fact:
// greetings, bare acknowledgements, and replies that are only tool
// summaries.
func skipExtraction(ex Exchange) bool {
	text := strings.ToLower(strings.TrimSpace(ex.UserText))
	if len(text) < 3 {
		return true
	}
	if trivialPattern.MatchString(text) {
		return true
	}
	if strings.HasPrefix(ex.AssistantText, toolLeadIn) {
		return true
	}
	return false
}
