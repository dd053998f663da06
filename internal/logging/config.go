package logging

import (
	"fmt"
	"os"
	"strings"
)

const envVar = "LOGLEVEL"

// Per-tag level overrides, e.g. LOGLEVEL=info,ffmpeg=debug,timeshift=7.
var tagLevels = map[string]Level{}

func init() {
	def, tags, errs := parseDirectives(os.Getenv(envVar))
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "Invalid %s directive: %s\n", envVar, err)
	}
	if def != nil {
		defaultLevel = *def
	}
	tagLevels = tags

	DefaultLogger.Level = defaultLevel
}

// Parse comma-separated "tag=level" directives. If "tag=" is absent, the level
// is used as the default.
func parseDirectives(s string) (def *Level, tags map[string]Level, errs []error) {
	tags = make(map[string]Level)
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := parseLevel(v[len(v)-1])
		if err != nil {
			errs = append(errs, fmt.Errorf("'%s': %v", d, err))
			continue
		}
		if len(v) == 1 {
			l := level
			def = &l
		} else {
			tags[v[0]] = level
		}
	}
	return
}

func determineLevel(tag string, fallback Level) Level {
	if level, ok := tagLevels[tag]; ok {
		return level
	}
	return fallback
}
