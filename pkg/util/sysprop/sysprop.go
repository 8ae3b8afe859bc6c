// Package sysprop reads Android system properties.
package sysprop

// Get returns the value of the named property. It reports false when the
// property is unset or the platform has no property service.
func Get(name string) (string, bool) {
	v := get(name)
	return v, v != ""
}

// GetDefault is Get with a fallback value.
func GetDefault(name, def string) string {
	if v, ok := Get(name); ok {
		return v
	}
	return def
}
