package streaming

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 来源的终止方式。
const (
	finishEnd = iota
	finishError
	finishRemove
)

// Join 当且仅当所有来源都到达终态（或被移除）时完成。
func TestProperty_JoinCorrectness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("join completes iff every source is terminal or removed", prop.ForAll(
		func(finishes []int) bool {
			dest := NewBufferDestination()
			m := NewMultiplexer(dest)

			chans := make([]chan Chunk, len(finishes))
			for i := range finishes {
				chans[i] = make(chan Chunk, 2)
				if _, err := m.Register(fmt.Sprintf("s%d", i), FromChannel(chans[i])); err != nil {
					t.Logf("register failed: %v", err)
					return false
				}
			}

			finish := func(i int) {
				id := fmt.Sprintf("s%d", i)
				switch finishes[i] {
				case finishEnd:
					chans[i] <- Chunk{Data: []byte("data: {\"d\":\"x\"}\n\n")}
					close(chans[i])
				case finishError:
					chans[i] <- Chunk{Err: errors.New("upstream failed")}
				default:
					_ = m.Remove(id)
				}
			}

			// 除最后一个来源外全部终止，Join 不得完成。
			for i := 0; i < len(finishes)-1; i++ {
				finish(i)
			}
			if len(finishes) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				err := m.Join(ctx)
				cancel()
				if !errors.Is(err, context.DeadlineExceeded) {
					t.Logf("join completed with a live source: %v", err)
					return false
				}
				finish(len(finishes) - 1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Join(ctx); err != nil {
				t.Logf("join did not complete: %v", err)
				return false
			}

			ends, errs := 0, 0
			for i, f := range finishes {
				st, ok := m.State(fmt.Sprintf("s%d", i))
				if !ok {
					return false
				}
				want := map[int]SourceState{finishEnd: SourceEnded, finishError: SourceErrored, finishRemove: SourceEnded}[f]
				if st != want {
					t.Logf("source s%d: got %s, want %s", i, st, want)
					return false
				}
				switch f {
				case finishEnd:
					ends++
				case finishError:
					errs++
				}
			}

			// 每个来源恰好一个终止帧，移除的来源没有。
			gotEnds, gotErrs := 0, 0
			for _, f := range dest.Frames() {
				switch f.Kind() {
				case KindEnd:
					gotEnds++
				case KindError:
					gotErrs++
				}
			}
			return gotEnds == ends && gotErrs == errs && len(m.Sources()) == 0
		},
		gen.IntRange(0, 6).FlatMap(func(n interface{}) gopter.Gen {
			return gen.SliceOfN(n.(int), gen.IntRange(finishEnd, finishRemove))
		}, reflect.TypeOf([]int{})),
	))

	properties.TestingRun(t)
}
