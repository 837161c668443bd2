// Package simtest provides a fake ns-3 script for tests.
package simtest

import (
	"os"
	"path/filepath"
	"testing"
)

// Script is a POSIX shell stand-in for a compiled ns-3 program.
//
// With --PrintHelp it prints an ns-3 style option listing for nodes, mode,
// fail and delay. Otherwise it echoes every argument on its own line, writes
// out.txt into its working directory, sleeps for --delay seconds and exits
// with code 3 when --fail is non-zero. --value=N adds a "metric N" line and
// a non-empty SIM_TAG environment variable adds a "tag $SIM_TAG" line.
const Script = `#!/bin/sh
if [ "$1" = "--PrintHelp" ]; then
  cat <<'HELP'
fake-sim [Program Options] [General Arguments]

Program Options:
    --nodes:  Number of nodes [10]
    --mode:   Transport protocol [udp]
    --fail:   Exit with an error when non-zero [0]
    --delay:  Seconds to sleep before exiting [0]
    --value:  Metric to print [1.5]

General Arguments:
    --PrintGlobals:              Print the list of globals.
    --PrintHelp:                 Print this help message.
HELP
  exit 0
fi
fail=0
delay=0
if [ -n "$SIM_TAG" ]; then echo "tag $SIM_TAG"; fi
for a in "$@"; do
  case "$a" in
    --fail=*) fail="${a#--fail=}" ;;
    --delay=*) delay="${a#--delay=}" ;;
    --value=*) echo "metric ${a#--value=}" ;;
  esac
  echo "$a"
done
echo artifact > out.txt
if [ "$delay" != "0" ]; then sleep "$delay"; fi
if [ "$fail" != "0" ]; then echo "boom" >&2; exit 3; fi
exit 0
`

// Defaults are the parameters Script advertises.
var Defaults = map[string]any{
	"nodes": int64(10),
	"mode":  "udp",
	"fail":  int64(0),
	"delay": int64(0),
	"value": 1.5,
}

// Write installs Script as an executable file in dir and returns its path.
func Write(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-sim")
	if err := os.WriteFile(path, []byte(Script), 0o755); err != nil {
		t.Fatalf("writing fake simulation: %v", err)
	}
	return path
}
