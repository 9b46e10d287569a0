package config

import "dario.cat/mergo"

// mergeInto overlays src onto dst, with src's non-zero fields taking
// precedence. Used to layer the YAML file over Defaults().
func mergeInto(dst *Config, src *Config) error {
	return mergo.Merge(dst, src, mergo.WithOverride)
}
