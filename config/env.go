package config

import (
	"strings"

	"OnnxAnomalyServer/roi"

	"github.com/spf13/viper"
)

// NewEnv returns a viper instance bound to the ROI scoring environment
// variables. It is the process-level layer passed to roi.ResolveParams.
func NewEnv() *viper.Viper {
	v := viper.New()
	bindEnvVars(v)
	return v
}

func bindEnvVars(v *viper.Viper) {
	for _, key := range []string{
		roi.EnvPercentile,
		roi.EnvThresholdMode,
		roi.EnvAbsThreshold,
		roi.EnvCombineMethod,
	} {
		_ = v.BindEnv(strings.ToLower(key), key)
	}
}
