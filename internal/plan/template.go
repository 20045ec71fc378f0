package plan

import (
	"strconv"
	"strings"
)

// ExpandArgs substitutes input-file placeholders in an argument vector:
// "{in}" becomes the single basename when exactly one is present, and
// "{inN}" becomes basenames[N] when N is in range. Anything else is left
// literal. The input slice is never mutated.
func ExpandArgs(args []string, basenames []string) []string {
	if len(args) == 0 {
		return args
	}
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = expandArg(arg, basenames)
	}
	return out
}

func expandArg(arg string, basenames []string) string {
	if arg == "{in}" {
		if len(basenames) == 1 {
			return basenames[0]
		}
		return arg
	}
	if strings.HasPrefix(arg, "{in") && strings.HasSuffix(arg, "}") {
		n, err := strconv.Atoi(arg[3 : len(arg)-1])
		if err == nil && n >= 0 && n < len(basenames) {
			return basenames[n]
		}
	}
	return arg
}
