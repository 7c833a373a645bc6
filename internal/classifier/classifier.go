// Package classifier decides whether a chat message should be answered by the
// market-price lookup instead of the general conversation.
package classifier

import (
	"time"

	"github.com/dlclark/regexp2"
)

// The patterns are shared with the web client, so they are compiled in ECMAScript
// mode to keep \b and case folding identical on both sides.
var (
	priceNearPlace = mustCompile(`(price|rate|cost).*\b(in|at|of)\b.*\b(today|now|current)?`)
	mandi          = mustCompile(`\bmandi\b`)
	priceSubject   = mustCompile(`(\w+) price in (.+?)( today)?$`)
)

func mustCompile(expr string) *regexp2.Regexp {
	re := regexp2.MustCompile(expr, regexp2.IgnoreCase|regexp2.ECMAScript)
	re.MatchTimeout = 100 * time.Millisecond
	return re
}

// IsPriceQuery reports whether text looks like a crop price question: a
// price/rate/cost word followed by in/at/of, or any mention of a mandi.
// It is a heuristic; a wrong answer only changes routing.
func IsPriceQuery(text string) bool {
	return matches(priceNearPlace, text) || matches(mandi, text)
}

func matches(re *regexp2.Regexp, text string) bool {
	ok, err := re.MatchString(text)
	return err == nil && ok
}

// PriceSubject extracts the commodity and market from a question shaped like
// "Onion price in Lasalgaon today".
func PriceSubject(text string) (commodity, market string, ok bool) {
	m, err := priceSubject.FindStringMatch(text)
	if err != nil || m == nil {
		return "", "", false
	}
	groups := m.Groups()
	return groups[1].String(), groups[2].String(), true
}
