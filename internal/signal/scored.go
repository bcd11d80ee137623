package signal

import (
	"math"
	"sort"
	"strconv"
)

// scoredExtractor reads labelled fields line by line and rates how complete
// the resulting signal is.
type scoredExtractor struct{}

func (scoredExtractor) extract(doc *document) *TradeSignal {
	dir, at := doc.firstDirection()
	if dir == "" {
		return nil
	}
	symbol := findSymbol(doc, at)
	if symbol == "" {
		return nil
	}

	sig := &TradeSignal{
		Symbol:    symbol,
		Direction: dir,
		Strategy:  StrategyScored,
		RawText:   doc.raw,
	}
	sig.NoStopLoss = doc.noStopLoss()

	var tps []float64
	for _, line := range doc.lines {
		for _, seg := range segments(line) {
			switch seg.kind {
			case labelEntry:
				if p := prices(seg.text); sig.Entry == 0 && len(p) > 0 {
					sig.Entry = p[0]
				}
			case labelTakeProfit:
				tps = append(tps, prices(seg.text)...)
			case labelStopLoss:
				if p := prices(seg.text); !sig.NoStopLoss && sig.StopLoss == 0 && len(p) > 0 {
					sig.StopLoss = p[0]
				}
			case labelLeverage:
				if sig.Leverage == 0 {
					sig.Leverage = leverageIn(seg.text)
				}
			case labelRisk:
				if sig.RiskPercent == 0 {
					sig.RiskPercent = riskIn(seg.text)
				}
			}
		}
	}
	if sig.Leverage == 0 {
		sig.Leverage = leverageMarker(doc.text)
	}
	sig.TakeProfits = orderTakeProfits(tps, dir)
	sig.Confidence = score(sig)
	return sig
}

// findSymbol picks the traded symbol: a pair quoted in the quote asset wins,
// then a #/$ marked ticker, then an upper-case ticker next to the direction
// keyword, then any upper-case ticker.
func findSymbol(doc *document, dirAt int) string {
	for _, w := range doc.words {
		if s := quotedSymbol(w, doc.quote); s != "" {
			return s
		}
	}
	for _, w := range doc.words {
		if t, marked := bareTicker(w); marked {
			return NormalizeSymbol(t, doc.quote)
		}
	}
	for _, off := range []int{-1, 1, -2, 2} {
		i := dirAt + off
		if i < 0 || i >= len(doc.words) {
			continue
		}
		if t, _ := bareTicker(doc.words[i]); t != "" {
			return NormalizeSymbol(t, doc.quote)
		}
	}
	for _, w := range doc.words {
		if t, _ := bareTicker(w); t != "" {
			return NormalizeSymbol(t, doc.quote)
		}
	}
	return ""
}

func leverageIn(s string) int {
	for _, n := range numbers(s) {
		if n.percent || n.value != math.Trunc(n.value) {
			continue
		}
		if lev := int(n.value); lev >= 1 && lev <= maxLeverage {
			return lev
		}
	}
	return leverageMarker(s)
}

// leverageMarker finds "10x", "x20" or "25х" anywhere in s.
func leverageMarker(s string) int {
	for _, m := range leverageX.FindAllStringSubmatch(s, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		lev, err := strconv.Atoi(raw)
		if err == nil && lev >= 1 && lev <= maxLeverage {
			return lev
		}
	}
	return 0
}

func riskIn(s string) float64 {
	for _, n := range numbers(s) {
		if n.value > 0 && n.value <= 100 {
			return n.value
		}
	}
	return 0
}

// orderTakeProfits dedups targets and orders them away from the entry:
// ascending for longs, descending for shorts. At most maxTakeProfits are kept.
func orderTakeProfits(tps []float64, dir Direction) []float64 {
	if len(tps) == 0 {
		return nil
	}
	seen := make(map[float64]bool, len(tps))
	out := make([]float64, 0, len(tps))
	for _, tp := range tps {
		if !seen[tp] {
			seen[tp] = true
			out = append(out, tp)
		}
	}
	if dir == Short {
		sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	} else {
		sort.Float64s(out)
	}
	if len(out) > maxTakeProfits {
		out = out[:maxTakeProfits]
	}
	return out
}

func score(sig *TradeSignal) float64 {
	c := 0.4
	if sig.Entry > 0 {
		c += 0.2
	}
	if len(sig.TakeProfits) > 0 {
		c += 0.2
	}
	if len(sig.TakeProfits) > 1 {
		c += 0.1
	}
	if sig.StopLoss > 0 {
		c += 0.1
	}
	if sig.Leverage > 0 {
		c += 0.1
	}
	return math.Min(1, math.Round(c*100)/100)
}
