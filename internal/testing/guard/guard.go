// Package guard prepares the process for tests. Import it for side effects
// from any test that builds app components or buckets ledger dates.
package guard

import (
	"os"
	"sync"
	"time"
)

// TestModeEnv is read by app.InTestMode.
const TestModeEnv = "COLDSTORE_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(TestModeEnv) == "" {
			_ = os.Setenv(TestModeEnv, "1")
		}
		// trend months and day book dates are computed in UTC in production
		time.Local = time.UTC
	})
}
