// Package testing prepares the process environment for test binaries. Importing it
// for side effects keeps cmd/ entrypoints from dialing PostgreSQL or Redis.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// defaults are applied only when the variable is unset, except MANABI_TEST_MODE.
var defaults = map[string]string{
	"LOG_LEVEL":    "error",
	"APP_TIMEZONE": "Asia/Tokyo",
}

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("MANABI_TEST_MODE", "1")
		for key, value := range defaults {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be delegated to from packages that need the environment before flags parse.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
