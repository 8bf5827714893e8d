// Package placeholder substitutes the planning tokens inside prompt segment
// templates.
//
// Substitution order is fixed: the worldbook token $1 first, then sulv1,
// sulv2, sulv3, sulv4, $5 and $6. Each token is replaced literally in a
// single pass over the template.
package placeholder

import (
	"strconv"
	"strings"
)

// Token names.
const (
	Worldbook    = "$1"
	RateMain     = "sulv1"
	RatePersonal = "sulv2"
	RateErotic   = "sulv3"
	RateCuckold  = "sulv4"
	MemoryTable  = "$5"
	PriorPlot    = "$6"
)

// escape suppresses substitution of the worldbook token when it directly
// precedes it.
const escape = '\\'

// Replacement binds one token to its value.
type Replacement struct {
	Token string
	Value string
}

// Map is the ordered set of non-worldbook replacements applied after $1.
type Map []Replacement

// Rates are the four numeric pacing values bound to sulv1..sulv4.
type Rates struct {
	Main     float64 `json:"rateMain"`
	Personal float64 `json:"ratePersonal"`
	Erotic   float64 `json:"rateErotic"`
	Cuckold  float64 `json:"rateCuckold"`
}

// NewMap builds the replacement map for one planning run.
func NewMap(r Rates, memoryTable, priorPlot string) Map {
	return Map{
		{RateMain, formatNumber(r.Main)},
		{RatePersonal, formatNumber(r.Personal)},
		{RateErotic, formatNumber(r.Erotic)},
		{RateCuckold, formatNumber(r.Cuckold)},
		{MemoryTable, memoryTable},
		{PriorPlot, priorPlot},
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// WorldbookBlock wraps worldbook content for insertion at $1. Disabled or
// empty content yields "".
func WorldbookBlock(enabled bool, content string) string {
	if !enabled || content == "" {
		return ""
	}
	return "\n<worldbook_context>\n" + content + "\n</worldbook_context>\n"
}

// Substitute applies worldbookBlock to every unescaped $1 in template and
// then each replacement in values, in order.
func Substitute(template, worldbookBlock string, values Map) string {
	if template == "" {
		return ""
	}
	out := replaceUnescaped(template, Worldbook, worldbookBlock)
	for _, r := range values {
		if r.Token == "" {
			continue
		}
		out = strings.ReplaceAll(out, r.Token, r.Value)
	}
	return out
}

// replaceUnescaped replaces token everywhere it is not immediately preceded
// by the escape character. The escape character is left in place.
func replaceUnescaped(s, token, value string) string {
	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.Index(s, token)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		if i > 0 && s[i-1] == escape {
			b.WriteString(token)
		} else {
			b.WriteString(value)
		}
		s = s[i+len(token):]
	}
}
