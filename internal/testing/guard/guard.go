package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("PHARMACORE_TEST_MODE") == "" {
			_ = os.Setenv("PHARMACORE_TEST_MODE", "1")
		}
	})
}
