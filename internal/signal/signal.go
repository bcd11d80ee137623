// Package signal turns free-text channel posts into trade instructions.
//
// Parsing is pure: no I/O, no shared state. Every call yields either a
// TradeSignal or a Rejection explaining why the text is not a signal.
package signal

import (
	"errors"
	"fmt"
)

const (
	defaultQuote     = "USDT"
	defaultThreshold = 0.5
	maxTakeProfits   = 5
	maxLeverage      = 125
)

// ErrParseRejected is the sentinel wrapped by every Rejection.
var ErrParseRejected = errors.New("signal rejected")

// Direction of the position a signal asks for.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Strategy names the extraction that produced a signal.
type Strategy string

const (
	StrategyScored  Strategy = "scored"
	StrategyKeyword Strategy = "keyword"
)

// TradeSignal is a structured trade intent. Zero Entry, StopLoss, Leverage and
// RiskPercent mean the message did not specify them.
type TradeSignal struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Entry       float64   `json:"entry,omitempty"`
	TakeProfits []float64 `json:"take_profits,omitempty"`
	StopLoss    float64   `json:"stop_loss,omitempty"`
	NoStopLoss  bool      `json:"no_stop_loss,omitempty"`
	Leverage    int       `json:"leverage,omitempty"`
	RiskPercent float64   `json:"risk_percent,omitempty"`
	Confidence  float64   `json:"confidence"`
	Strategy    Strategy  `json:"strategy"`
	RawText     string    `json:"raw_text"`
}

// RejectReason classifies a rejection.
type RejectReason string

const (
	ReasonEmpty         RejectReason = "empty"
	ReasonNoDirection   RejectReason = "no_direction"
	ReasonNoSymbol      RejectReason = "no_symbol"
	ReasonLowConfidence RejectReason = "low_confidence"
)

// Rejection explains why a text is not a signal.
type Rejection struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrParseRejected, r.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrParseRejected, r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return ErrParseRejected
}

// Result holds exactly one of Signal or Rejection.
type Result struct {
	Signal    *TradeSignal `json:"signal,omitempty"`
	Rejection *Rejection   `json:"rejection,omitempty"`
}

// Accepted reports whether the text parsed into a signal.
func (r Result) Accepted() bool {
	return r.Signal != nil
}

// Err returns the rejection as an error, or nil for a signal.
func (r Result) Err() error {
	if r.Rejection == nil {
		return nil
	}
	return r.Rejection
}

func reject(reason RejectReason, detail string) Result {
	return Result{Rejection: &Rejection{Reason: reason, Detail: detail}}
}

// Options configure a Parser.
type Options struct {
	QuoteAsset string  // suffix of tradable symbols, USDT by default
	Threshold  float64 // minimum confidence of the scored strategy
}

// extractor is one extraction strategy. It returns nil when it finds no signal.
type extractor interface {
	extract(doc *document) *TradeSignal
}

// Parser runs the scored strategy and falls back to keyword matching.
type Parser struct {
	quote     string
	threshold float64
	primary   extractor
	fallback  extractor
}

// NewParser creates a parser.
func NewParser(opts Options) *Parser {
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = defaultQuote
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = defaultThreshold
	}
	return &Parser{
		quote:     opts.QuoteAsset,
		threshold: opts.Threshold,
		primary:   scoredExtractor{},
		fallback:  keywordExtractor{},
	}
}

// Threshold returns the minimum accepted confidence.
func (p *Parser) Threshold() float64 {
	return p.threshold
}

// Parse extracts a trade signal from text.
func (p *Parser) Parse(text string) Result {
	doc := newDocument(text, p.quote)
	if doc.empty() {
		return reject(ReasonEmpty, "message has no text")
	}

	primary := p.primary.extract(doc)
	if primary != nil && primary.Confidence >= p.threshold {
		return Result{Signal: primary}
	}

	if fb := p.fallback.extract(doc); fb != nil {
		return Result{Signal: fb}
	}

	if dir, _ := doc.firstDirection(); dir == "" {
		return reject(ReasonNoDirection, "no long/short keyword found")
	}
	if primary == nil {
		return reject(ReasonNoSymbol, "no tradable symbol found")
	}
	return reject(ReasonLowConfidence,
		fmt.Sprintf("%s %s scored %.2f, below %.2f", primary.Symbol, primary.Direction, primary.Confidence, p.threshold))
}

var defaultParser = NewParser(Options{})

// Parse runs the default parser (USDT quote, 0.5 threshold).
func Parse(text string) Result {
	return defaultParser.Parse(text)
}
