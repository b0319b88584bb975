package scanning

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Item is a best-effort receipt line item
type Item struct {
	Name     string   `json:"name"`
	Price    *float64 `json:"price,omitempty"`
	Quantity *int     `json:"quantity,omitempty"`
}

// ReceiptData is the structured result of reading a receipt. Only RawText
// and Confidence are always set; every other field is best effort.
type ReceiptData struct {
	RawText      string   `json:"rawText"`
	TotalAmount  *float64 `json:"totalAmount,omitempty"`
	Date         string   `json:"date,omitempty"` // as printed, not normalized
	MerchantName string   `json:"merchantName,omitempty"`
	Items        []Item   `json:"items,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// Matcher looks for one field in OCR text and returns the matched text.
type Matcher func(text string) (string, bool)

// RegexpMatcher builds a Matcher from a pattern. The first capture group is
// returned when present, otherwise the whole match.
func RegexpMatcher(pattern string) Matcher {
	re := regexp.MustCompile(pattern)
	return func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		if len(m) > 1 {
			return m[1], true
		}
		return m[0], true
	}
}

const (
	amountPattern   = `(\d+[.,]\d{2})`
	currencyPrefix  = `(?:(?:bgn|лв\.?|eur|€)\s*)?`
	letterBoundary  = `(?:^|[^\p{L}])`
	wordedMonthsBG  = `януари|февруари|март|април|май|юни|юли|август|септември|октомври|ноември|декември`
	wordedMonthsEN  = `jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`
	numericBoundary = `(?:^|\D)`
	numericTail     = `(?:\D|$)`
)

// DefaultTotalMatchers are tried in order; keyword-anchored totals win over
// a bare amount followed by a currency.
func DefaultTotalMatchers() []Matcher {
	return []Matcher{
		RegexpMatcher(`(?im)` + letterBoundary + `(?:всичко|total|сума|общо|sum)[:\s]*` + currencyPrefix + amountPattern),
		RegexpMatcher(`(?im)` + letterBoundary + `(?:за\s+плащане|to\s+pay|amount\s+due|due)[:\s]*` + currencyPrefix + amountPattern),
		RegexpMatcher(`(?im)` + letterBoundary + `(?:итого)[:\s]*` + currencyPrefix + amountPattern),
		RegexpMatcher(`(?i)` + amountPattern + `\s*(?:лв|bgn|lev)`),
	}
}

// DefaultDateMatchers try D/M/Y, then Y/M/D, then a worded month.
func DefaultDateMatchers() []Matcher {
	return []Matcher{
		RegexpMatcher(numericBoundary + `(\d{1,2}[./-]\d{1,2}[./-]\d{2,4})` + numericTail),
		RegexpMatcher(numericBoundary + `(\d{4}[./-]\d{1,2}[./-]\d{1,2})` + numericTail),
		RegexpMatcher(`(?i)(\d{1,2}\s+(?:` + wordedMonthsBG + `|` + wordedMonthsEN + `)\.?\s+\d{4})`),
	}
}

// DefaultItemStopwords keep totals from being captured as items. They match
// whole words only.
func DefaultItemStopwords() []string {
	return []string{"total", "subtotal", "sum", "amount", "due", "to pay", "всичко", "сума", "общо", "итого", "плащане"}
}

var (
	itemLinePattern     = regexp.MustCompile(`^(.+?)\s+(\d+[.,]\d{2})`)
	itemQuantityPattern = regexp.MustCompile(`(?i)^(\d{1,3})\s*[xх×*]\s*(.+)$`)
)

// Parser turns OCR text into ReceiptData. Matcher lists are exported so new
// locales can be added without touching the rest of the pipeline.
type Parser struct {
	TotalMatchers []Matcher
	DateMatchers  []Matcher
	ItemStopwords []string
}

// NewParser creates a Parser for Bulgarian and English receipts
func NewParser() *Parser {
	return &Parser{
		TotalMatchers: DefaultTotalMatchers(),
		DateMatchers:  DefaultDateMatchers(),
		ItemStopwords: DefaultItemStopwords(),
	}
}

// Parse extracts receipt fields from raw OCR text. It never fails; fields
// that cannot be found are left empty.
func (p *Parser) Parse(rawText string, confidence float64) ReceiptData {
	data := ReceiptData{
		RawText:    rawText,
		Confidence: confidence,
	}

	for _, match := range p.TotalMatchers {
		if s, ok := match(rawText); ok {
			if amount, ok := parseAmount(s); ok {
				data.TotalAmount = &amount
				break
			}
		}
	}

	for _, match := range p.DateMatchers {
		if s, ok := match(rawText); ok {
			data.Date = strings.TrimSpace(s)
			break
		}
	}

	lines := nonBlankLines(rawText)
	if len(lines) > 0 {
		data.MerchantName = lines[0]
	}

	for _, line := range lines {
		if item, ok := p.parseItem(line); ok {
			data.Items = append(data.Items, item)
		}
	}

	return data
}

func (p *Parser) parseItem(line string) (Item, bool) {
	m := itemLinePattern.FindStringSubmatch(line)
	if m == nil {
		return Item{}, false
	}
	name := strings.TrimSpace(m[1])
	price, ok := parseAmount(m[2])
	if !ok {
		return Item{}, false
	}

	lower := strings.ToLower(name)
	for _, stop := range p.ItemStopwords {
		if containsWord(lower, stop) {
			return Item{}, false
		}
	}

	item := Item{Name: name, Price: &price}
	if q := itemQuantityPattern.FindStringSubmatch(name); q != nil {
		if n, err := strconv.Atoi(q[1]); err == nil && n > 0 {
			item.Quantity = &n
			item.Name = strings.TrimSpace(q[2])
		}
	}
	if utf8.RuneCountInString(item.Name) <= 2 {
		return Item{}, false
	}
	return item, true
}

// containsWord reports whether word occurs in s without a letter directly
// before or after it
func containsWord(s, word string) bool {
	if word == "" {
		return false
	}
	for offset := 0; offset < len(s); {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if !unicode.IsLetter(before) && !unicode.IsLetter(after) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		offset = start + size
	}
	return false
}

// parseAmount accepts either a comma or a period as the decimal separator.
func parseAmount(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(s), ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func nonBlankLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
