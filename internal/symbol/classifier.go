package symbol

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
)

// ErrUnknownSymbol reports an instrument code matching no classification rule.
// Callers must treat this as a per-instrument skip: new exchange code patterns
// appear over time and must not abort a whole batch.
var ErrUnknownSymbol = errors.New("symbol: unrecognized instrument code")

// Product family names. 규칙 순서가 의미를 가지므로 defaultRules 와 함께 관리한다.
const (
	FamilyFuturesContinuous = "futures-continuous"
	FamilyFuturesMini       = "futures-mini"
	FamilyFuturesKosdaq     = "futures-kosdaq"
	FamilyCallOption        = "call-option"
	FamilyPutOption         = "put-option"
	FamilyWeeklyCallOption  = "weekly-call-option"
	FamilyWeeklyPutOption   = "weekly-put-option"
	FamilyInvestorFlow      = "investor-flow"
)

// KIS market division codes per product family.
const (
	marketFutures  = "F"
	marketOptions  = "O"
	marketSector   = "U"
	marketMixed    = "Z"
	periodDaily    = "D"
	defaultDateCol = "stck_bsop_date"
	defaultTimeCol = "stck_cntg_hour"
)

// Family describes one product family: which request parameters an
// instrument of this family needs and which columns key its rows.
type Family struct {
	Name       string
	MarketCode string
	DateColumn string
	TimeColumn string
}

// IsOption reports whether the family is an option series.
func (f Family) IsOption() bool {
	switch f.Name {
	case FamilyCallOption, FamilyPutOption, FamilyWeeklyCallOption, FamilyWeeklyPutOption:
		return true
	}
	return false
}

// Rule binds an anchored pattern to a family. First match wins.
type Rule struct {
	Pattern string `mapstructure:"pattern"`
	Family  string `mapstructure:"family"`
}

// Override adjusts the key column names of a built-in family.
type Override struct {
	DateColumn string `mapstructure:"date_column"`
	TimeColumn string `mapstructure:"time_column"`
}

// defaultRules mirror the KRX code families: monthly futures series first,
// weekly option series before their monthly counterparts (the 2AF/3AF weekly
// prefixes would otherwise never be reached), investor-flow market codes last.
var defaultRules = []Rule{
	{Pattern: `^101[0-9A-Z]{3}$`, Family: FamilyFuturesContinuous},
	{Pattern: `^105[0-9A-Z]{3}$`, Family: FamilyFuturesMini},
	{Pattern: `^106[0-9A-Z]{3}$`, Family: FamilyFuturesKosdaq},
	{Pattern: `^(209|2AF)[0-9A-Z]+$`, Family: FamilyWeeklyCallOption},
	{Pattern: `^(309|3AF)[0-9A-Z]+$`, Family: FamilyWeeklyPutOption},
	{Pattern: `^201[0-9A-Z]{5}$`, Family: FamilyCallOption},
	{Pattern: `^301[0-9A-Z]{5}$`, Family: FamilyPutOption},
	{Pattern: `^(KSP|KSQ)$`, Family: FamilyInvestorFlow},
}

var defaultFamilies = map[string]Family{
	FamilyFuturesContinuous: {Name: FamilyFuturesContinuous, MarketCode: marketFutures, DateColumn: defaultDateCol, TimeColumn: defaultTimeCol},
	FamilyFuturesMini:       {Name: FamilyFuturesMini, MarketCode: marketFutures, DateColumn: defaultDateCol, TimeColumn: defaultTimeCol},
	FamilyFuturesKosdaq:     {Name: FamilyFuturesKosdaq, MarketCode: marketFutures, DateColumn: defaultDateCol, TimeColumn: defaultTimeCol},
	FamilyCallOption:        {Name: FamilyCallOption, MarketCode: marketOptions, DateColumn: defaultDateCol},
	FamilyPutOption:         {Name: FamilyPutOption, MarketCode: marketOptions, DateColumn: defaultDateCol},
	FamilyWeeklyCallOption:  {Name: FamilyWeeklyCallOption, MarketCode: marketOptions, DateColumn: defaultDateCol},
	FamilyWeeklyPutOption:   {Name: FamilyWeeklyPutOption, MarketCode: marketOptions, DateColumn: defaultDateCol},
	FamilyInvestorFlow:      {Name: FamilyInvestorFlow, MarketCode: marketSector, DateColumn: defaultDateCol},
}

type compiledRule struct {
	re     *regexp.Regexp
	family string
}

// Classifier maps instrument codes to product families through an ordered
// rule list and exposes the family-specific request parameter sets.
type Classifier struct {
	rules    []compiledRule
	families map[string]Family
	logger   zerolog.Logger
}

// NewClassifier builds a classifier from the built-in rule table, extended by
// extra rules (appended after the defaults, order preserved) and per-family
// column overrides.
func NewClassifier(extra []Rule, overrides map[string]Override, logger zerolog.Logger) (*Classifier, error) {
	families := make(map[string]Family, len(defaultFamilies))
	for name, fam := range defaultFamilies {
		families[name] = fam
	}
	for name, ov := range overrides {
		fam, ok := families[name]
		if !ok {
			// Overriding an unknown family only makes sense together
			// with an extra rule targeting it.
			fam = Family{Name: name, MarketCode: marketMixed, DateColumn: defaultDateCol}
		}
		if ov.DateColumn != "" {
			fam.DateColumn = ov.DateColumn
		}
		if ov.TimeColumn != "" {
			fam.TimeColumn = ov.TimeColumn
		}
		families[name] = fam
	}

	all := make([]Rule, 0, len(defaultRules)+len(extra))
	all = append(all, defaultRules...)
	all = append(all, extra...)

	compiled := make([]compiledRule, 0, len(all))
	for _, r := range all {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile symbol rule %q: %w", r.Pattern, err)
		}
		if r.Family == "" {
			return nil, fmt.Errorf("symbol rule %q: family must not be empty", r.Pattern)
		}
		if _, ok := families[r.Family]; !ok {
			families[r.Family] = Family{Name: r.Family, MarketCode: marketMixed, DateColumn: defaultDateCol}
		}
		compiled = append(compiled, compiledRule{re: re, family: r.Family})
	}

	return &Classifier{
		rules:    compiled,
		families: families,
		logger:   logger.With().Str("component", "classifier").Logger(),
	}, nil
}

// Classify resolves the product family of an instrument code. The first
// matching rule wins; the same code always yields the same family.
func (c *Classifier) Classify(code string) (Family, error) {
	for _, r := range c.rules {
		if r.re.MatchString(code) {
			return c.families[r.family], nil
		}
	}
	return Family{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, code)
}

// RequestParams builds the family-specific KIS query parameters for one
// instrument. Date sub-window parameters are appended later, per request, by
// the transport layer; everything family-dependent is isolated here so the
// fetch and merge logic stay family-agnostic.
func (c *Classifier) RequestParams(code string, fam Family) map[string]string {
	if fam.Name == FamilyInvestorFlow {
		// 투자자매매동향은 업종 조회 형태라서 종목코드 대신 시장코드를 싣는다.
		return map[string]string{
			"FID_COND_MRKT_DIV_CODE": fam.MarketCode,
			"FID_INPUT_ISCD":         marketSector,
			"FID_INPUT_ISCD_1":       code,
		}
	}
	return map[string]string{
		"FID_COND_MRKT_DIV_CODE": fam.MarketCode,
		"FID_INPUT_ISCD":         code,
		"FID_PERIOD_DIV_CODE":    periodDaily,
	}
}
