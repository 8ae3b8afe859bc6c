package field

import (
	"flag"
	"fmt"
)

const (
	FallbackAuto     = "auto"
	FallbackDisabled = "disabled"
)

type Config struct {
	Fallback   string           `yaml:"fallback"`
	Introspect IntrospectConfig `yaml:"introspect"`
}

// IntrospectConfig configures the runtime introspection fallback. It is only
// used by builds with the jvmintrospect tag.
type IntrospectConfig struct {
	APILevel   int    `yaml:"api_level" category:"advanced"`
	LayoutFile string `yaml:"layout_file" category:"advanced"`
	AllowGuess bool   `yaml:"allow_guess" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Fallback, "field.fallback", FallbackAuto, "Fallback used when the class is not visible from the calling thread: auto or disabled.")
	f.IntVar(&cfg.Introspect.APILevel, "introspect.api-level", 0, "Android API level of the runtime. 0 reads ro.build.version.sdk.")
	f.StringVar(&cfg.Introspect.LayoutFile, "introspect.layout-file", "", "YAML file with runtime layouts added to the built-in ones.")
	f.BoolVar(&cfg.Introspect.AllowGuess, "introspect.allow-guess", true, "Use the closest known layout when the runtime version has none.")
}

func (cfg *Config) Validate() error {
	switch cfg.Fallback {
	case FallbackAuto, FallbackDisabled:
	default:
		return fmt.Errorf("invalid fallback %q, must be %s or %s", cfg.Fallback, FallbackAuto, FallbackDisabled)
	}
	if cfg.Introspect.APILevel < 0 {
		return fmt.Errorf("invalid api-level %d", cfg.Introspect.APILevel)
	}
	return nil
}
