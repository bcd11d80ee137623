package signal

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// document is a message prepared for extraction: normalised once, scanned by every strategy.
type document struct {
	raw   string
	text  string   // NFKC-normalised
	words []string // letter/digit runs, see splitWords
	lines []string // lower-cased lines
	quote string
}

func newDocument(raw, quote string) *document {
	text := norm.NFKC.String(raw)
	text = strings.TrimSpace(text)

	doc := &document{raw: raw, text: text, quote: quote}
	doc.words = splitWords(text)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			doc.lines = append(doc.lines, strings.ToLower(line))
		}
	}
	return doc
}

func (d *document) empty() bool {
	return len(d.words) == 0
}

// splitWords splits on anything that is not a letter, a digit or one of the
// characters that appear inside tickers (# $ / - _).
func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		switch r {
		case '#', '$', '/', '-', '_':
			return false
		}
		return true
	})
}

var (
	longWords = map[string]bool{
		"LONG": true, "BUY": true,
		"ЛОНГ": true, "КУПИТЬ": true, "ПОКУПКА": true, "КУПУВАТИ": true,
	}
	shortWords = map[string]bool{
		"SHORT": true, "SELL": true,
		"ШОРТ": true, "ПРОДАТЬ": true, "ПРОДАЖА": true, "ПРОДАВАТИ": true,
	}
)

// directionOf returns the direction named by word, checking hyphenated parts
// separately so "шорт-позицию" counts.
func directionOf(word string) Direction {
	for _, part := range strings.FieldsFunc(word, func(r rune) bool { return !unicode.IsLetter(r) }) {
		upper := strings.ToUpper(part)
		if longWords[upper] {
			return Long
		}
		if shortWords[upper] {
			return Short
		}
	}
	return ""
}

// firstDirection returns the first direction keyword and its word index, or -1.
func (d *document) firstDirection() (Direction, int) {
	for i, w := range d.words {
		if dir := directionOf(w); dir != "" {
			return dir, i
		}
	}
	return "", -1
}

// tickerStopWords are upper-case words that look like tickers but never are.
var tickerStopWords = map[string]bool{
	"LONG": true, "SHORT": true, "BUY": true, "SELL": true,
	"ENTRY": true, "PRICE": true, "TP": true, "SL": true, "TARGET": true, "TARGETS": true,
	"STOP": true, "LOSS": true, "TAKE": true, "PROFIT": true, "LEVERAGE": true, "LEV": true,
	"RISK": true, "CROSS": true, "ISOLATED": true, "MARGIN": true, "SIGNAL": true,
	"FUTURES": true, "SPOT": true, "USD": true, "USDT": true, "USDC": true, "BUSD": true,
	"NEW": true, "NOW": true, "AND": true, "OR": true, "THE": true, "DCA": true, "ZONE": true,
	"PNL": true, "ROI": true, "VIP": true, "NFA": true, "DYOR": true, "MARKET": true, "LIMIT": true,
	"BINANCE": true, "BYBIT": true, "OKX": true, "BINGX": true, "MEXC": true,
}

var leverageToken = regexp.MustCompile(`^(?:X\d{1,3}|\d{1,3}X|TP\d*|SL\d*)$`)

// cleanTicker strips the decoration around a ticker-like word and reports whether it
// had an explicit # or $ prefix.
func cleanTicker(word string) (string, bool) {
	marked := strings.HasPrefix(word, "#") || strings.HasPrefix(word, "$")
	s := strings.Trim(word, "#$/-_")
	s = strings.NewReplacer("/", "", "-", "", "_", "", "#", "", "$", "").Replace(s)
	return s, marked
}

func isASCIIAlnum(s string) (hasLetter bool, ok bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
			hasLetter = true
		case c >= '0' && c <= '9':
		default:
			return false, false
		}
	}
	return hasLetter, s != ""
}

// quotedSymbol returns the normalised symbol when word names a pair in the quote asset
// (BTCUSDT, btc/usdt, #ETHUSDT).
func quotedSymbol(word, quote string) string {
	s, _ := cleanTicker(word)
	hasLetter, ok := isASCIIAlnum(s)
	if !ok || !hasLetter {
		return ""
	}
	upper := strings.ToUpper(s)
	if !strings.HasSuffix(upper, quote) || len(upper) <= len(quote) {
		return ""
	}
	// amounts such as 500USDT are not pairs
	if baseHasLetter, _ := isASCIIAlnum(strings.TrimSuffix(upper, quote)); !baseHasLetter {
		return ""
	}
	return NormalizeSymbol(upper, quote)
}

// bareTicker returns a ticker written without the quote asset. Unmarked words must
// be written in upper case.
func bareTicker(word string) (string, bool) {
	s, marked := cleanTicker(word)
	hasLetter, ok := isASCIIAlnum(s)
	if !ok || !hasLetter || len(s) < 2 || len(s) > 15 {
		return "", false
	}
	if !marked && s != strings.ToUpper(s) {
		return "", false
	}
	upper := strings.ToUpper(s)
	if tickerStopWords[upper] || leverageToken.MatchString(upper) {
		return "", false
	}
	return upper, marked
}

// NormalizeSymbol upper-cases raw, strips separators and appends quote to bare tickers.
func NormalizeSymbol(raw, quote string) string {
	if quote == "" {
		quote = defaultQuote
	}
	s := strings.ToUpper(raw)
	s = strings.NewReplacer("/", "", "-", "", "_", "", "#", "", "$", "", " ", "").Replace(s)
	if s == "" {
		return ""
	}
	if !strings.HasSuffix(s, quote) {
		s += quote
	}
	if strings.HasSuffix(s, "USD"+quote) && strings.HasPrefix(quote, "USD") && len(s) > len("USD"+quote) {
		s = strings.TrimSuffix(s, "USD"+quote) + quote
	}
	return s
}

// Labels recognised in lower-cased lines. Longer labels win over labels they contain.
type labelKind int

const (
	labelEntry labelKind = iota + 1
	labelTakeProfit
	labelStopLoss
	labelLeverage
	labelRisk
)

var labels = map[labelKind][]string{
	labelEntry: {
		"entry price", "entry zone", "entry", "open price", "price", "@",
		"цена входа", "точка входа", "моя точка входа", "вход в позицию", "открытие сделки", "вход", "цена",
		"ціна входу", "вхід",
	},
	labelTakeProfit: {
		"take profit", "take-profit", "targets", "target", "tp",
		"цели по сделке", "цели", "цель", "тейки", "тейк", "тп",
		"цілі", "ціль",
	},
	labelStopLoss: {
		"stop loss", "stop-loss", "stoploss", "stop price", "stop", "sl",
		"стоп-лосс", "стоп-лос", "стоп лосс", "стоп", "сл",
	},
	labelLeverage: {
		"leverage", "lev", "плечо", "плечи", "плече",
	},
	labelRisk: {
		"risk", "риски", "риск", "рм", "ризик",
	},
}

type segment struct {
	kind labelKind
	text string
}

type labelMatch struct {
	start, end int
	kind       labelKind
}

// segments cuts a lower-cased line at every label; each segment holds the text
// following its label up to the next label.
func segments(line string) []segment {
	var matches []labelMatch
	for kind, words := range labels {
		for _, label := range words {
			from := 0
			for {
				i := strings.Index(line[from:], label)
				if i < 0 {
					break
				}
				start := from + i
				end := start + len(label)
				if label == "@" && priceFollows(line[end:]) || label != "@" && bounded(line, start, end) {
					matches = append(matches, labelMatch{start: start, end: end, kind: kind})
				}
				from = start + len(label)
			}
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	accepted := matches[:0]
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		accepted = append(accepted, m)
		lastEnd = m.end
	}

	out := make([]segment, 0, len(accepted))
	for i, m := range accepted {
		end := len(line)
		if i+1 < len(accepted) {
			end = accepted[i+1].start
		}
		out = append(out, segment{kind: m.kind, text: line[m.end:end]})
	}
	return out
}

// bounded reports whether line[start:end] is not glued to surrounding letters.
func bounded(line string, start, end int) bool {
	if start > 0 {
		r := lastRune(line[:start])
		if unicode.IsLetter(r) {
			return false
		}
	}
	if end < len(line) {
		r := firstRune(line[end:])
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// priceFollows guards the "@" label against @mentions.
func priceFollows(rest string) bool {
	r := firstRune(rest)
	return r == ' ' || unicode.IsDigit(r)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}

var (
	numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
	gluedIndex    = regexp.MustCompile(`^\d{1,2}(?:\s*[:)\-]\s*|\s+)`)
	listIndex     = regexp.MustCompile(`\s\d{1,2}\s*[:)](?:\s|$)`)
	leverageX     = regexp.MustCompile(`(?i)(?:^|[^\p{L}\d.,])(?:(\d{1,3})\s?[xх]|[xх](\d{1,3}))(?:[^\p{L}\d]|$)`)
	noStopPhrases = []string{
		"пока не ставлю", "не ставлю", "не устанавливаю", "не ставим", "без стопа", "без стоп",
		"no stop", "no sl", "not setting", "without stop",
	}
)

type number struct {
	value   float64
	percent bool
}

// numbers returns every number in s. A trailing % marks the value as a percentage.
func numbers(s string) []number {
	var out []number
	for _, loc := range numberPattern.FindAllStringIndex(s, -1) {
		v, ok := parseNumber(s[loc[0]:loc[1]])
		if !ok {
			continue
		}
		rest := strings.TrimLeft(s[loc[1]:], " ")
		out = append(out, number{value: v, percent: strings.HasPrefix(rest, "%")})
	}
	return out
}

// prices returns the non-percentage numbers of a label segment with list
// indices removed ("TP1 46000", "targets: 1) 0.5 2) 0.6").
func prices(s string) []float64 {
	glued := s != "" && isDigit(s[0])
	s = strings.TrimLeft(s, " :=-")
	if glued {
		if loc := gluedIndex.FindStringIndex(s); loc != nil && loc[1] < len(s) && isDigit(s[loc[1]]) {
			s = s[loc[1]:]
		}
	}
	s = listIndex.ReplaceAllString(" "+s, " ")

	var out []float64
	for _, n := range numbers(s) {
		if !n.percent && n.value > 0 {
			out = append(out, n.value)
		}
	}
	return out
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// parseNumber reads "45,000", "45000.5", "0,0983" and "1.234,5".
func parseNumber(s string) (float64, bool) {
	s = strings.Trim(s, "$ ")
	if s == "" {
		return 0, false
	}

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")
	switch {
	case hasComma && hasDot:
		if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case hasComma:
		if thousandsGrouped(s, ',') {
			s = strings.ReplaceAll(s, ",", "")
		} else if strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			return 0, false
		}
	case hasDot && strings.Count(s, ".") > 1:
		if !thousandsGrouped(s, '.') {
			return 0, false
		}
		s = strings.ReplaceAll(s, ".", "")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// thousandsGrouped reports whether s looks like 45,000 or 1,250,000 with sep as separator.
// A leading zero group ("0,098") is a decimal, not a grouping.
func thousandsGrouped(s string, sep byte) bool {
	groups := strings.Split(s, string(sep))
	if len(groups) < 2 || len(groups[0]) == 0 || len(groups[0]) > 3 || groups[0][0] == '0' {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

func (d *document) noStopLoss() bool {
	lower := strings.ToLower(d.text)
	for _, phrase := range noStopPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
