package ffmpeg

import "strings"

var levelNames = map[string]bool{
	"quiet": true, "panic": true, "fatal": true, "error": true,
	"warning": true, "info": true, "verbose": true, "debug": true, "trace": true,
}

// ParseLogLevel extracts the log level from an ffmpeg stderr line.
// With -loglevel level+info ffmpeg emits "[info] message" or
// "[component @ 0x...] [level] message". The level bracket is stripped,
// the component bracket preserved.
func ParseLogLevel(line string) (level, msg string) {
	if len(line) < 3 || line[0] != '[' {
		return "info", line
	}

	end := strings.Index(line, "] ")
	if end == -1 {
		return "info", line
	}

	if bracket := line[1:end]; levelNames[bracket] {
		return bracket, line[end+2:]
	}

	// Component prefix form: keep the component, strip only the [level].
	component := line[:end+2]
	rest := line[end+2:]
	if len(rest) > 2 && rest[0] == '[' {
		if nextEnd := strings.Index(rest, "] "); nextEnd != -1 {
			if bracket := rest[1:nextEnd]; levelNames[bracket] {
				return bracket, component + rest[nextEnd+2:]
			}
		}
	}

	return "info", line
}
