// Package command classifies inbound chat messages into intents and
// answers them.
//
// Classification normalizes the text (trim, collapse whitespace, lower-case)
// and walks an ordered keyword table; the first intent with a phrase that
// occurs anywhere in the text wins. Text that matches no keyword but looks
// like a phone number is a lookup_identity request. Anything else is
// unknown and receives a fixed fallback reply.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/randalmurphal/courier/pkg/courier/observability"
)

// Intent names a recognized command.
type Intent string

// Built-in intents.
const (
	IntentGreeting       Intent = "greeting"
	IntentHelp           Intent = "help"
	IntentReport         Intent = "report"
	IntentInvoices       Intent = "invoices"
	IntentBalance        Intent = "balance"
	IntentCustomers      Intent = "customers"
	IntentLookupIdentity Intent = "lookup_identity"
	IntentUnknown        Intent = "unknown"
)

// Fixed replies.
const (
	FallbackText = "Sorry, I did not understand that. Send \"help\" to see what I can do."
	ErrorText    = "Sorry, something went wrong while handling your request. Please try again later."
)

// Keywords maps an intent to the phrases that select it.
type Keywords struct {
	Intent  Intent
	Phrases []string
}

// DefaultKeywords is the default ordered keyword table. Business intents
// come before greeting so that a greeting inside a request does not shadow
// it. Phrases match as substrings, so each must be long enough not to occur
// inside unrelated words.
var DefaultKeywords = []Keywords{
	{Intent: IntentHelp, Phrases: []string{"help", "مساعدة", "الأوامر"}},
	{Intent: IntentReport, Phrases: []string{"report", "تقرير"}},
	{Intent: IntentInvoices, Phrases: []string{"invoice", "فاتورة", "فواتير"}},
	{Intent: IntentBalance, Phrases: []string{"balance", "رصيد"}},
	{Intent: IntentCustomers, Phrases: []string{"customer", "عملاء", "عميل"}},
	{Intent: IntentGreeting, Phrases: []string{"مرحبا", "السلام عليكم", "hello"}},
}

// Request is a classified inbound message.
type Request struct {
	Sender     string
	Text       string
	Normalized string
	Intent     Intent
}

// Response is the answer to an inbound message.
type Response struct {
	Command string `json:"command"`
	Text    string `json:"text"`
	Data    any    `json:"data,omitempty"`
}

// HandlerFunc answers one intent.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Recorder audits inbound and outbound messages. *msglog.Log satisfies it.
type Recorder interface {
	RecordIncoming(ctx context.Context, from, content, command string)
	RecordOutgoing(ctx context.Context, to, content, command, response string)
}

// Config configures a Router.
type Config struct {
	// Keywords replaces DefaultKeywords.
	Keywords []Keywords

	// Messages records every handled message. Optional.
	Messages Recorder

	Logger *slog.Logger
}

// Router classifies and answers inbound messages.
type Router struct {
	messages Recorder
	logger   *slog.Logger

	mu       sync.RWMutex
	keywords []Keywords
	handlers map[Intent]HandlerFunc
}

// NewRouter creates a router with the default replies registered.
func NewRouter(cfg Config) *Router {
	kw := cfg.Keywords
	if kw == nil {
		kw = DefaultKeywords
	}

	r := &Router{
		messages: cfg.Messages,
		logger:   observability.Component(cfg.Logger, "command_router"),
		keywords: normalizeKeywords(kw),
		handlers: make(map[Intent]HandlerFunc),
	}
	for intent, h := range defaultHandlers() {
		r.handlers[intent] = h
	}
	return r
}

func normalizeKeywords(in []Keywords) []Keywords {
	out := make([]Keywords, 0, len(in))
	for _, k := range in {
		phrases := make([]string, 0, len(k.Phrases))
		for _, p := range k.Phrases {
			if n := Normalize(p); n != "" {
				phrases = append(phrases, n)
			}
		}
		out = append(out, Keywords{Intent: k.Intent, Phrases: phrases})
	}
	return out
}

// Register sets the handler for intent. Phrases, if given, are added to the
// intent's keywords; a new intent is appended to the end of the table.
func (r *Router) Register(intent Intent, h HandlerFunc, phrases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h != nil {
		r.handlers[intent] = h
	}
	if len(phrases) == 0 {
		return
	}

	added := normalizeKeywords([]Keywords{{Intent: intent, Phrases: phrases}})[0].Phrases
	for i := range r.keywords {
		if r.keywords[i].Intent == intent {
			r.keywords[i].Phrases = append(r.keywords[i].Phrases, added...)
			return
		}
	}
	r.keywords = append(r.keywords, Keywords{Intent: intent, Phrases: added})
}

// Intents lists the intents the router can produce, in matching order.
func (r *Router) Intents() []Intent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Intent, 0, len(r.keywords)+2)
	for _, k := range r.keywords {
		out = append(out, k.Intent)
	}
	return append(out, IntentLookupIdentity, IntentUnknown)
}

// Classify returns the intent for text, or "" when nothing matched.
func (r *Router) Classify(text string) Intent {
	return r.classify(Normalize(text))
}

func (r *Router) classify(normalized string) Intent {
	if normalized == "" {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.keywords {
		for _, p := range k.Phrases {
			if strings.Contains(normalized, p) {
				return k.Intent
			}
		}
	}
	if IsPhoneNumber(normalized) {
		return IntentLookupIdentity
	}
	return ""
}

// Handle classifies text from sender and produces the reply. Both the
// inbound text and the reply are recorded. Handler errors and panics yield
// ErrorText; Handle never fails.
func (r *Router) Handle(ctx context.Context, sender, text string) Response {
	normalized := Normalize(text)
	intent := r.classify(normalized)
	if intent == "" {
		intent = IntentUnknown
	}

	if r.messages != nil {
		r.messages.RecordIncoming(ctx, sender, text, string(intent))
	}

	r.mu.RLock()
	h := r.handlers[intent]
	r.mu.RUnlock()

	req := Request{Sender: sender, Text: text, Normalized: normalized, Intent: intent}
	resp, err := r.call(ctx, h, req)
	if err != nil {
		r.logger.Error("command handler failed",
			slog.String("intent", string(intent)),
			slog.String("sender", sender),
			slog.String("error", err.Error()),
		)
		resp = Response{Text: ErrorText}
	}
	resp.Command = string(intent)

	if r.messages != nil {
		r.messages.RecordOutgoing(ctx, sender, resp.Text, string(intent), resp.Text)
	}
	return resp
}

func (r *Router) call(ctx context.Context, h HandlerFunc, req Request) (resp Response, err error) {
	if h == nil {
		return Response{Text: FallbackText}, nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, req)
}

// Normalize trims text, collapses runs of whitespace to one space and
// lower-cases it.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

var phoneShape = regexp.MustCompile(`^[+\-() 0-9]+$`)

// IsPhoneNumber reports whether text consists only of digits and
// "+ - ( )" or spaces, with at least 8 digits.
func IsPhoneNumber(text string) bool {
	text = strings.TrimSpace(text)
	if !phoneShape.MatchString(text) {
		return false
	}
	return len(Digits(text)) >= 8
}

// Digits returns the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
