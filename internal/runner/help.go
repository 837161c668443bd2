package runner

import (
	"regexp"
	"strings"

	"sem/internal/core"
)

// helpOption matches "    --nodes:  Number of nodes [10]". The default is
// the last bracketed group, so units in the description ("[s]") are skipped.
var helpOption = regexp.MustCompile(`^\s*--([^\s:=]+):\s*(.*?)\s*(?:\[([^\[\]]*)\])?\s*$`)

// ParseHelp extracts program options and their defaults from the output of
// an ns-3 script run with --PrintHelp.
//
// Only the program's own options are returned; the general ns-3 arguments
// (--PrintGlobals, --PrintHelp, ...) that follow them are not simulation
// parameters. An option without a bracketed default maps to "".
func ParseHelp(output string) core.Params {
	params := core.Params{}
	inProgram := false
	sawSection := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Program Options:"), strings.HasPrefix(trimmed, "Program Arguments:"):
			inProgram, sawSection = true, true
			continue
		case strings.HasPrefix(trimmed, "General Arguments:"):
			inProgram, sawSection = false, true
			continue
		}
		if sawSection && !inProgram {
			continue
		}
		m := helpOption.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		params[m[1]] = core.ParseValue(m[3])
	}
	return params
}
