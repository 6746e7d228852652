package groupmq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"goa.design/clue/log"

	ptesting "goa.design/groupmq/testing"
)

func TestGo(t *testing.T) {
	t.Run("executes function without panic", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)
		executed := false

		Go(NoopLogger(), func() {
			defer wg.Done()
			executed = true
		})

		wg.Wait()
		assert.True(t, executed, "Function should have been executed")
	})

	t.Run("recovers from panic and logs error", func(t *testing.T) {
		var buf ptesting.Buffer
		ctx := log.Context(context.Background(), log.WithOutput(&buf))
		log.FlushAndDisableBuffering(ctx)
		var wg sync.WaitGroup
		wg.Add(1)

		Go(ClueLogger(ctx), func() {
			defer wg.Done()
			panic("test panic")
		})

		wg.Wait()
		assert.Eventually(t, func() bool {
			out := buf.String()
			return strings.Contains(out, "Panic recovered: test panic") &&
				strings.Contains(out, "goroutine.go")
		}, 100*time.Millisecond, 10*time.Millisecond, "Log should contain panic message and stack trace")
	})

	t.Run("handles non-string panic values", func(t *testing.T) {
		var buf ptesting.Buffer
		ctx := log.Context(context.Background(), log.WithOutput(&buf))
		log.FlushAndDisableBuffering(ctx)
		var wg sync.WaitGroup
		wg.Add(1)

		Go(ClueLogger(ctx), func() {
			defer wg.Done()
			panic(errors.New("custom error"))
		})

		wg.Wait()
		assert.Eventually(t, func() bool {
			return strings.Contains(buf.String(), "Panic recovered: custom error")
		}, 100*time.Millisecond, 10*time.Millisecond)
	})
}
