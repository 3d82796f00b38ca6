package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

// SearchResult is one knowledge hit, tagged with the document it came from.
type SearchResult struct {
	Source string
	Text   string
}

// Searcher answers MENU_SEARCH queries. It must be read-only.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query string, limit int) ([]SearchResult, error)

func (f SearcherFunc) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return f(ctx, query, limit)
}

// AddressBook resolves a call id to the caller's address.
type AddressBook interface {
	Lookup(ctx context.Context, callID string) (string, error)
}

// MessageSender delivers a text message.
type MessageSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Link is the target of a SEND token.
type Link struct {
	Label string `mapstructure:"label"`
	URL   string `mapstructure:"url"`
}

const (
	DefaultMaxResults      = 5
	DefaultMaxResultChars  = 240
	DefaultMessageTemplate = "Here is the {label} you asked for: {url}"
)

type Config struct {
	MaxResults      int
	MaxResultChars  int
	Links           map[LinkKind]Link
	MessageTemplate string
	SearchTimeout   time.Duration
	DeliveryTimeout time.Duration
	Retry           resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MaxResultChars <= 0 {
		c.MaxResultChars = DefaultMaxResultChars
	}
	if strings.TrimSpace(c.MessageTemplate) == "" {
		c.MessageTemplate = DefaultMessageTemplate
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 3 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 15 * time.Second
	}
	return c
}

// Deps are the collaborators shared across calls.
type Deps struct {
	Searcher Searcher
	Callers  AddressBook
	Sender   MessageSender
	Breaker  *resilience.CircuitBreaker
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Dispatcher turns scanned tokens into side effects for one call. Each link
// kind is delivered at most once per call; the flag is set before delivery
// starts and never cleared.
//
// SendLink must be called from the owning session loop.
// Search and the delivery goroutines only read immutable state.
type Dispatcher struct {
	cfg        Config
	deps       Deps
	log        *slog.Logger
	dispatched map[LinkKind]bool
	wg         sync.WaitGroup
}

func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		log:        log,
		dispatched: make(map[LinkKind]bool),
	}
}

// Search runs the lookup and returns the spoken summary to hand to the agent.
func (d *Dispatcher) Search(ctx context.Context, query string) (string, error) {
	if d.deps.Searcher == nil {
		return "", errorsx.Wrapf(errorsx.ReasonLookupFailed, "no searcher configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SearchTimeout)
	defer cancel()
	results, err := d.deps.Searcher.Search(ctx, query, d.cfg.MaxResults)
	if err != nil {
		return "", errorsx.Wrapf(errorsx.ReasonLookupFailed, "search %q: %w", query, err)
	}
	return Summarize(query, results, d.cfg.MaxResults, d.cfg.MaxResultChars), nil
}

// SendLink starts delivery of kind to the caller of callID. It returns false
// without side effects when the kind was already dispatched, the call id is
// not known yet, or no link is configured for kind.
func (d *Dispatcher) SendLink(ctx context.Context, callID string, kind LinkKind) bool {
	if d.dispatched[kind] {
		d.log.Debug("command_send_duplicate", "call_sid", callID, "kind", kind)
		return false
	}
	if strings.TrimSpace(callID) == "" {
		d.log.Warn("command_send_no_call", "kind", kind)
		return false
	}
	link, ok := d.cfg.Links[kind]
	if !ok || strings.TrimSpace(link.URL) == "" {
		d.log.Warn("command_send_unconfigured", "call_sid", callID, "kind", kind)
		return false
	}
	d.dispatched[kind] = true

	body := renderMessage(d.cfg.MessageTemplate, kind, link)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DeliveryTimeout)
		defer cancel()
		d.deliver(dctx, callID, kind, body)
	}()
	return true
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, callID string, kind LinkKind, body string) {
	start := time.Now()
	ev := metrics.Event(metrics.EventMessageDelivered, callID, "").With("kind", string(kind))

	fail := func(err error) {
		d.log.Error("command_send_failed",
			"call_sid", callID,
			"kind", kind,
			"reason", errorsx.Reason(err),
			"error", err,
		)
		failed := ev
		failed.Name = metrics.EventMessageFailed
		d.deps.Observer.RecordEvent(failed.With("reason", string(errorsx.Reason(err))))
	}

	if d.deps.Callers == nil || d.deps.Sender == nil {
		fail(errorsx.Wrapf(errorsx.ReasonDeliveryFailed, "message delivery not configured"))
		return
	}
	to, err := d.deps.Callers.Lookup(ctx, callID)
	if err != nil {
		fail(errorsx.Wrapf(errorsx.ReasonCallerResolve, "resolve caller: %w", err))
		return
	}
	err = d.cfg.Retry.Do(ctx, func() error {
		return d.deps.Breaker.Guard(func() error {
			return d.deps.Sender.SendMessage(ctx, to, body)
		})
	})
	if err != nil {
		fail(errorsx.Wrapf(errorsx.ReasonDeliveryFailed, "send message: %w", err))
		return
	}
	d.log.Info("command_send_delivered",
		"call_sid", callID,
		"kind", kind,
		"to", redact.Phone(to),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	ev.Value = float64(time.Since(start).Milliseconds())
	d.deps.Observer.RecordEvent(ev)
}

func renderMessage(tmpl string, kind LinkKind, link Link) string {
	label := link.Label
	if label == "" {
		label = strings.ToLower(strings.ReplaceAll(string(kind), "_", " "))
	}
	return strings.NewReplacer("{label}", label, "{url}", link.URL, "{kind}", string(kind)).Replace(tmpl)
}

// Summarize formats lookup results as instructions for the agent's next turn:
// at most maxResults entries, each tagged with its source and cut to maxChars.
func Summarize(query string, results []SearchResult, maxResults, maxChars int) string {
	if len(results) == 0 {
		return fmt.Sprintf("The menu search for %q found nothing. Tell the caller you could not find it and offer to help with something else.", query)
	}
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Menu search results for %q. Answer the caller briefly using only these entries:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, r.Source, truncate(strings.Join(strings.Fields(r.Text), " "), maxChars))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return strings.TrimSpace(string(runes[:maxChars])) + "..."
}
