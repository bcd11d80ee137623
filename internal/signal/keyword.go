package signal

// keywordExtractor accepts any message with a direction keyword and a pair in
// the quote asset. It carries no prices; sizing falls back to account settings.
type keywordExtractor struct{}

const keywordConfidence = 0.4

func (keywordExtractor) extract(doc *document) *TradeSignal {
	dir, _ := doc.firstDirection()
	if dir == "" {
		return nil
	}
	for _, w := range doc.words {
		if symbol := quotedSymbol(w, doc.quote); symbol != "" {
			return &TradeSignal{
				Symbol:     symbol,
				Direction:  dir,
				NoStopLoss: doc.noStopLoss(),
				Confidence: keywordConfidence,
				Strategy:   StrategyKeyword,
				RawText:    doc.raw,
			}
		}
	}
	return nil
}
