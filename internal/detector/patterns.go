package detector

import "regexp"

// The pattern batteries below are conservative lexical rules. Each family
// contributes its weight once per detection pass no matter how many of its
// patterns match.
func compiledFamilies() []patternFamily {
	return []patternFamily{
		{
			indicator: IndicatorSuicidalIdeation,
			weight:    0.9,
			patterns: compile(
				`\bkill myself\b`,
				`\bend my life\b`,
				`\bend it all\b`,
				`\bwant to die\b`,
				`\bbetter off dead\b`,
				`\bsuicid(e|al)\b`,
				`\bno reason to live\b`,
				`\bnot worth living\b`,
				`\btake my own life\b`,
			),
		},
		{
			indicator: IndicatorSelfHarm,
			weight:    0.8,
			patterns: compile(
				`\bhurt myself\b`,
				`\bharm myself\b`,
				`\bcut(ting)? myself\b`,
				`\bself[- ]harm\b`,
				`\bburn(ing)? myself\b`,
				`\bpunish myself\b`,
			),
		},
		{
			indicator: IndicatorPanicAttack,
			weight:    0.5,
			patterns: compile(
				`\bpanic attack\b`,
				`\bcan'?t breathe\b`,
				`\bheart (is )?racing\b`,
				`\bhyperventilat`,
				`\blosing control\b`,
				`\bgoing to die\b.*\bright now\b`,
			),
		},
		{
			indicator: IndicatorSevereDepression,
			weight:    0.4,
			patterns: compile(
				`\bhopeless\b`,
				`\bworthless\b`,
				`\bempty inside\b`,
				`\bnothing matters\b`,
				`\bno point\b`,
				`\bcan'?t go on\b`,
				`\bgive up\b`,
			),
		},
		{
			indicator: IndicatorTraumaResponse,
			weight:    0.4,
			patterns: compile(
				`\bflashback`,
				`\bnightmare`,
				`\bcan'?t stop (thinking|remembering)\b`,
				`\bit('?s| is) happening again\b`,
				`\btrigger(ed|ing)\b`,
			),
		},
		{
			indicator: IndicatorSubstanceAbuse,
			weight:    0.4,
			patterns: compile(
				`\bdrink(ing)? (too much|again|to cope)\b`,
				`\busing again\b`,
				`\brelapse`,
				`\bget(ting)? high to\b`,
				`\bneed a drink\b`,
				`\boverdos`,
			),
		},
		{
			indicator: IndicatorGeneralDistress,
			weight:    0.3,
			patterns: compile(
				`\boverwhelmed\b`,
				`\bcan'?t (cope|handle|take) (this|it)\b`,
				`\bfalling apart\b`,
				`\bso (scared|afraid|alone)\b`,
				`\bdesperate\b`,
				`\bbreaking down\b`,
			),
		},
	}
}

func compile(sources ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(sources))
	for i, src := range sources {
		patterns[i] = regexp.MustCompile(src)
	}
	return patterns
}
