package llm

import (
	"bufio"
	"strconv"
	"strings"
)

// StructuredThesis is the five-field analysis format agents request
type StructuredThesis struct {
	Observe    string
	Reason     string
	Conclude   string
	Signal     string
	Confidence float64
}

var thesisSections = []string{"OBSERVE", "REASON", "CONCLUDE", "SIGNAL", "CONFIDENCE"}

// ParseStructuredThesis scans a free-form completion for the
// OBSERVE/REASON/CONCLUDE/SIGNAL/CONFIDENCE sections. The scanner is
// deliberately lenient: it tolerates markdown emphasis, mixed case, and
// prose between sections. A response without a recognizable signal
// parses as HOLD at zero confidence, with ok=false.
func ParseStructuredThesis(content string) (StructuredThesis, bool) {
	thesis := StructuredThesis{Signal: "HOLD"}
	sections := make(map[string]*strings.Builder)
	var current string

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if name, rest, ok := matchSection(line); ok {
			current = name
			sections[current] = &strings.Builder{}
			if rest != "" {
				sections[current].WriteString(rest)
			}
			continue
		}
		if current != "" {
			b := sections[current]
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(line)
		}
	}

	text := func(name string) string {
		if b, ok := sections[name]; ok {
			return strings.TrimSpace(b.String())
		}
		return ""
	}
	thesis.Observe = text("OBSERVE")
	thesis.Reason = text("REASON")
	thesis.Conclude = text("CONCLUDE")

	signal, signalOK := normalizeSignal(text("SIGNAL"))
	if signalOK {
		thesis.Signal = signal
	}
	thesis.Confidence = parseConfidence(text("CONFIDENCE"))
	if !signalOK {
		thesis.Confidence = 0
	}
	return thesis, signalOK
}

// matchSection checks whether a line opens a known section, returning
// the section name and any inline content after the delimiter
func matchSection(line string) (string, string, bool) {
	cleaned := strings.Trim(line, "*# ")
	upper := strings.ToUpper(cleaned)
	for _, name := range thesisSections {
		if !strings.HasPrefix(upper, name) {
			continue
		}
		rest := cleaned[len(name):]
		rest = strings.TrimLeft(rest, ":*- \t")
		return name, strings.TrimSpace(rest), true
	}
	return "", "", false
}

func normalizeSignal(raw string) (string, bool) {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "BUY") || strings.Contains(upper, "LONG"):
		return "BUY", true
	case strings.Contains(upper, "SELL") || strings.Contains(upper, "SHORT"):
		return "SELL", true
	case strings.Contains(upper, "HOLD") || strings.Contains(upper, "NEUTRAL"):
		return "HOLD", true
	}
	return "HOLD", false
}

// parseConfidence extracts the first numeric token, accepting either
// fractional (0.8) or percent (80%) form
func parseConfidence(raw string) float64 {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.'
	})
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		if v > 1 {
			v /= 100
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v
	}
	return 0
}
