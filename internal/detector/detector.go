package detector

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Indicator identifies a detected risk category.
type Indicator string

const (
	IndicatorSuicidalIdeation Indicator = "suicidal_ideation"
	IndicatorSelfHarm         Indicator = "self_harm"
	IndicatorPanicAttack      Indicator = "panic_attack"
	IndicatorSevereDepression Indicator = "severe_depression"
	IndicatorTraumaResponse   Indicator = "trauma_response"
	IndicatorSubstanceAbuse   Indicator = "substance_abuse"
	IndicatorGeneralDistress  Indicator = "general_distress"
)

// severityRank orders indicators from most to least severe. It determines the
// order of the indicator set in an Assessment and which indicators force
// crisis detection on their own.
var severityRank = map[Indicator]int{
	IndicatorSuicidalIdeation: 0,
	IndicatorSelfHarm:         1,
	IndicatorPanicAttack:      2,
	IndicatorSevereDepression: 3,
	IndicatorTraumaResponse:   4,
	IndicatorSubstanceAbuse:   5,
	IndicatorGeneralDistress:  6,
}

// highSeverity indicators trigger crisis detection regardless of the
// aggregate confidence score.
var highSeverity = map[Indicator]bool{
	IndicatorSuicidalIdeation: true,
	IndicatorSelfHarm:         true,
}

// Context carries the session-derived signals the detector is allowed to read.
// All fields are optional; the zero value means "no context".
type Context struct {
	EmotionalState       map[string]interface{}
	BehavioralIndicators []string
}

// Assessment is the result of a single detection pass.
type Assessment struct {
	CrisisDetected bool
	Indicators     []Indicator
	Confidence     float64
}

// patternFamily is a battery of lexical matchers for one indicator kind.
// Weight is the partial confidence contributed when any pattern matches.
type patternFamily struct {
	indicator Indicator
	weight    float64
	patterns  []*regexp.Regexp
}

// contextRule is a compiled expression over the context environment that can
// raise an indicator even with neutral text.
type contextRule struct {
	name      string
	indicator Indicator
	weight    float64
	program   *vm.Program
}

type contextEnv struct {
	DistressLevel float64  `expr:"distress_level"`
	Behaviors     []string `expr:"behaviors"`
}

// Detector evaluates free text and session context for crisis indicators.
// It holds only compiled patterns and is safe for concurrent use.
type Detector struct {
	logger              *slog.Logger
	confidenceThreshold float64
	families            []patternFamily
	contextRules        []contextRule
}

// New compiles the pattern batteries and context rules. Compilation failure
// is a programming error and is returned rather than deferred to detection
// time.
func New(logger *slog.Logger, confidenceThreshold, distressThreshold float64) (*Detector, error) {
	d := &Detector{
		logger:              logger,
		confidenceThreshold: confidenceThreshold,
		families:            compiledFamilies(),
	}

	rules := []struct {
		name      string
		indicator Indicator
		weight    float64
		source    string
	}{
		{
			name:      "elevated_distress",
			indicator: IndicatorGeneralDistress,
			weight:    0.3,
			source:    fmt.Sprintf("distress_level > %f", distressThreshold),
		},
		{
			name:      "withdrawal_behavior",
			indicator: IndicatorSevereDepression,
			weight:    0.25,
			source:    `"withdrawal" in behaviors or "isolation" in behaviors`,
		},
		{
			name:      "hopelessness_behavior",
			indicator: IndicatorSevereDepression,
			weight:    0.3,
			source:    `"hopelessness" in behaviors`,
		},
		{
			name:      "agitation_behavior",
			indicator: IndicatorGeneralDistress,
			weight:    0.2,
			source:    `"agitation" in behaviors or "restlessness" in behaviors`,
		},
	}

	for _, r := range rules {
		program, err := expr.Compile(r.source, expr.Env(contextEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile context rule %s: %w", r.name, err)
		}
		d.contextRules = append(d.contextRules, contextRule{
			name:      r.name,
			indicator: r.indicator,
			weight:    r.weight,
			program:   program,
		})
	}

	return d, nil
}

// Detect evaluates text and context against all pattern families and context
// rules. It is deterministic for identical inputs and performs no I/O.
func (d *Detector) Detect(text string, ctx Context) Assessment {
	lowered := strings.ToLower(text)

	matched := make(map[Indicator]bool)
	confidence := 0.0

	for _, family := range d.families {
		for _, pattern := range family.patterns {
			if pattern.MatchString(lowered) {
				if !matched[family.indicator] {
					matched[family.indicator] = true
					confidence += family.weight
				}
				break
			}
		}
	}

	env := contextEnv{
		DistressLevel: distressLevel(ctx.EmotionalState),
		Behaviors:     ctx.BehavioralIndicators,
	}
	if env.Behaviors == nil {
		env.Behaviors = []string{}
	}

	for _, rule := range d.contextRules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			d.logger.Error("context rule evaluation failed", "rule", rule.name, "error", err)
			continue
		}
		if hit, ok := out.(bool); ok && hit {
			confidence += rule.weight
			matched[rule.indicator] = true
		}
	}

	if confidence > 1.0 {
		confidence = 1.0
	}

	indicators := make([]Indicator, 0, len(matched))
	for ind := range matched {
		indicators = append(indicators, ind)
	}
	sort.Slice(indicators, func(i, j int) bool {
		return severityRank[indicators[i]] < severityRank[indicators[j]]
	})

	detected := confidence >= d.confidenceThreshold
	for _, ind := range indicators {
		if highSeverity[ind] {
			detected = true
			break
		}
	}

	return Assessment{
		CrisisDetected: detected && len(indicators) > 0,
		Indicators:     indicators,
		Confidence:     confidence,
	}
}

// HighSeverity reports whether the indicator forces crisis detection on its
// own.
func HighSeverity(ind Indicator) bool {
	return highSeverity[ind]
}

func distressLevel(emotionalState map[string]interface{}) float64 {
	if emotionalState == nil {
		return 0
	}
	switch v := emotionalState["distress_level"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
