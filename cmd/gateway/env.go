package main

import (
	"os"
	"strings"
)

// envPrefix namespaces every environment variable the binary reads.
const envPrefix = "AVAPROXY_"

// envString returns AVAPROXY_<name>, or def when it is unset or empty.
func envString(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		return v
	}
	return def
}

// envBool parses AVAPROXY_<name> as a switch. Unrecognised values keep def.
func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envPrefix + name))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}
