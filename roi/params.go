package roi

import (
	"strconv"
	"strings"
)

type ThresholdMode string

const (
	ModeRelative ThresholdMode = "relative"
	ModeAbsolute ThresholdMode = "absolute"
)

type CombineMethod string

const (
	CombineMax  CombineMethod = "max"
	CombineMean CombineMethod = "mean"
)

// Environment keys, also accepted as request payload field names.
const (
	EnvPercentile    = "ROI_PERCENTILE_P"
	EnvThresholdMode = "AREA_THRESH_MODE"
	EnvAbsThreshold  = "AREA_ABS_THRESHOLD"
	EnvCombineMethod = "ROI_COMBINE_METHOD"
)

const (
	DefaultPercentile   = 95
	DefaultAbsThreshold = 0.5

	WholeImagePassThreshold = 80.0
	MultiRectPassThreshold  = 50.0
)

type Params struct {
	Percentile   int
	Mode         ThresholdMode
	AbsThreshold float64
	Method       CombineMethod
}

func DefaultParams() Params {
	return Params{
		Percentile:   DefaultPercentile,
		Mode:         ModeRelative,
		AbsThreshold: DefaultAbsThreshold,
		Method:       CombineMax,
	}
}

// Overrides are per-call values; nil fields fall through to the environment.
type Overrides struct {
	Percentile   *int     `json:"ROI_PERCENTILE_P,omitempty"`
	Mode         *string  `json:"AREA_THRESH_MODE,omitempty"`
	AbsThreshold *float64 `json:"AREA_ABS_THRESHOLD,omitempty"`
	Method       *string  `json:"ROI_COMBINE_METHOD,omitempty"`
}

// EnvSource is the process-level layer. *viper.Viper satisfies it.
type EnvSource interface {
	IsSet(key string) bool
	GetString(key string) string
}

// ResolveParams layers overrides over env over defaults. A value that does
// not parse or is out of range is skipped and the next layer is used.
func ResolveParams(o Overrides, env EnvSource) Params {
	p := DefaultParams()

	if o.Percentile != nil && validPercentile(*o.Percentile) {
		p.Percentile = *o.Percentile
	} else if s, ok := lookup(env, EnvPercentile); ok {
		if v, err := strconv.Atoi(s); err == nil && validPercentile(v) {
			p.Percentile = v
		}
	}

	if o.Mode != nil && strings.TrimSpace(*o.Mode) != "" {
		p.Mode = parseMode(*o.Mode)
	} else if s, ok := lookup(env, EnvThresholdMode); ok && s != "" {
		p.Mode = parseMode(s)
	}

	if o.AbsThreshold != nil {
		p.AbsThreshold = *o.AbsThreshold
	} else if s, ok := lookup(env, EnvAbsThreshold); ok {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			p.AbsThreshold = v
		}
	}

	if o.Method != nil && *o.Method != "" {
		p.Method = CombineMethod(*o.Method)
	} else if s, ok := lookup(env, EnvCombineMethod); ok && s != "" {
		p.Method = CombineMethod(s)
	}
	return p
}

// ParseMode reports whether s names a known threshold mode.
func ParseMode(s string) (ThresholdMode, bool) {
	switch m := ThresholdMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeRelative, ModeAbsolute:
		return m, true
	}
	return "", false
}

// anything but "relative" selects the absolute threshold
func parseMode(s string) ThresholdMode {
	if m, ok := ParseMode(s); ok {
		return m
	}
	return ModeAbsolute
}

func validPercentile(p int) bool {
	return p >= 0 && p <= 100
}

func lookup(env EnvSource, key string) (string, bool) {
	if env == nil || !env.IsSet(key) {
		return "", false
	}
	return strings.TrimSpace(env.GetString(key)), true
}
