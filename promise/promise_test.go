package promise

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestResolveOnce(t *testing.T) {
	as := require.New(t)

	f := New[int]()
	as.True(f.Resolve(1, nil))
	as.False(f.Resolve(2, nil))
	as.False(f.Resolve(0, fmt.Errorf("late")))

	v, err := f.Get()
	as.NoError(err)
	as.Equal(1, v)
}

func TestAwaitContext(t *testing.T) {
	as := require.New(t)

	f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()

	_, err := f.Await(ctx)
	as.ErrorIs(err, context.DeadlineExceeded)

	f.Resolve("ok", nil)
	v, err := f.Await(context.Background())
	as.NoError(err)
	as.Equal("ok", v)
}

func TestThen(t *testing.T) {
	as := require.New(t)

	src := New[int]()
	next := Then(src, func(v int) (string, error) {
		return strconv.Itoa(v * 2), nil
	})
	src.Resolve(21, nil)

	v, err := next.Get()
	as.NoError(err)
	as.Equal("42", v)

	failed := Then(Rejected[int](fmt.Errorf("boom")), func(v int) (string, error) {
		return "", fmt.Errorf("must not run")
	})
	_, err = failed.Get()
	as.EqualError(err, "boom")
}

func TestAwaiter(t *testing.T) {
	as := require.New(t)

	var a Awaiter = Run(func() (int, error) { return 7, nil })
	v, err := a.AwaitAny(context.Background())
	as.NoError(err)
	as.Equal(7, v)
}

func TestAll(t *testing.T) {
	as := require.New(t)

	wait := []time.Duration{
		time.Millisecond * 100,
		time.Millisecond * 200,
		time.Millisecond * 300,
	}
	futures := make([]*Future[time.Duration], 0, len(wait))
	for i, d := range wait {
		i, d := i, d
		futures = append(futures, Run(func() (time.Duration, error) {
			time.Sleep(d)
			if i == 1 {
				return 0, fmt.Errorf("error")
			}
			return d, nil
		}))
	}

	start := time.Now()
	results, errs := All(context.Background(), futures...)
	elapsed := time.Since(start)

	for i, err := range errs {
		if i == 1 {
			as.Error(err)
			as.Zero(results[i])
		} else {
			as.NoError(err)
			as.Equal(wait[i], results[i])
		}
	}
	as.Less(elapsed, wait[0]+wait[1]+wait[2])
}

func TestAllGivesUpWithContext(t *testing.T) {
	as := require.New(t)

	slow := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()

	results, errs := All(ctx, Resolved(1), slow)
	as.Equal([]int{1, 0}, results)
	as.NoError(errs[0])
	as.ErrorIs(errs[1], context.DeadlineExceeded)
}
