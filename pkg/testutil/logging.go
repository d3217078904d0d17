package testutil

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevelEnvName overrides the level tests log at. Output is discarded
// unless tests run verbosely.
const LogLevelEnvName = "POOL_CLIENT_TEST_LOG_LEVEL"

func init() {
	level := logrus.TraceLevel
	if parsed, err := logrus.ParseLevel(os.Getenv(LogLevelEnvName)); err == nil {
		level = parsed
	}
	logrus.SetLevel(level)

	if !verbose() {
		logrus.SetOutput(io.Discard)
	}
}

func verbose() bool {
	for _, arg := range os.Args {
		if arg == "-test.v" || (strings.HasPrefix(arg, "-test.v=") && arg != "-test.v=false") {
			return true
		}
	}
	return false
}
