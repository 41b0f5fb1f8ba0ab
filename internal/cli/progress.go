package cli

import (
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

type stopFunc func()

// startPercentBar renders a 0-100 progress bar on stderr. The update func
// is safe to call from the separation progress callback; stop clears the
// bar and is idempotent.
func startPercentBar(enabled bool, description string) (func(int), stopFunc) {
	if !enabled {
		return func(int) {}, func() {}
	}

	bar := progressbar.NewOptions(
		100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	var mu sync.Mutex
	update := func(percent int) {
		mu.Lock()
		defer mu.Unlock()
		_ = bar.Set(percent)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			_ = bar.Finish()
		})
	}

	return update, stop
}
