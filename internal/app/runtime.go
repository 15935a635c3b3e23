package app

import (
	"os"
	"strconv"
	"sync"
)

const testModeEnv = "MANABI_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return parseTestMode(os.Getenv(testModeEnv))
})

// InTestMode reports whether MANABI_TEST_MODE is set, in which case the binaries
// return before opening connections.
func InTestMode() bool {
	return testMode()
}

func parseTestMode(v string) bool {
	on, err := strconv.ParseBool(v)
	return err == nil && on
}
