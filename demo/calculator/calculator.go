// Package calculator is a demo of two contracts hosted by one instance: a stateless
// Calculator and a Simultaneous word store whose state lives as long as the connection.
package calculator

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"

	"callbridge/promise"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Calculator interface {
	Add(a, b int) int
	Divide(a, b float64) (float64, error)
	// Fibonacci reports each of the first n numbers to onValue, stopping early when it
	// returns false, and returns how many were reported. A remote onValue always
	// returns true here.
	Fibonacci(n int, onValue func(i int, v int64) bool) int
	// Square answers after a delay.
	Square(n int) *promise.Future[int]
	Echo(ctx context.Context, text string) string
}

type Simultaneous interface {
	GetID() int
	LoadIt(word string)
	RemoveIt() (string, error)
}

var (
	CalculatorType   = reflect.TypeOf((*Calculator)(nil)).Elem()
	SimultaneousType = reflect.TypeOf((*Simultaneous)(nil)).Elem()

	// Contracts are the contracts a Service hosts.
	Contracts = []reflect.Type{CalculatorType, SimultaneousType}
)

var (
	ErrDivideByZero = errors.New("divide by zero")
	ErrEmpty        = errors.New("nothing loaded")
)

var nextID = atomic.NewInt64(0)

// Service implements both contracts. Each instance gets its own id.
type Service struct {
	logger *zap.Logger
	id     int
	delay  time.Duration

	mu    sync.Mutex
	words []string

	closed *atomic.Bool
}

func New(logger *zap.Logger) *Service {
	return &Service{
		logger: logger,
		id:     int(nextID.Inc()),
		delay:  50 * time.Millisecond,
		closed: atomic.NewBool(false),
	}
}

var (
	_ Calculator   = (*Service)(nil)
	_ Simultaneous = (*Service)(nil)
)

func (s *Service) Add(a, b int) int {
	return a + b
}

func (s *Service) Divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	return a / b, nil
}

func (s *Service) Fibonacci(n int, onValue func(i int, v int64) bool) int {
	var a, b int64 = 0, 1
	for i := 0; i < n; i++ {
		if !onValue(i, a) {
			return i + 1
		}
		a, b = b, a+b
	}
	return n
}

func (s *Service) Square(n int) *promise.Future[int] {
	return promise.Run(func() (int, error) {
		time.Sleep(s.delay)
		return n * n, nil
	})
}

func (s *Service) Echo(_ context.Context, text string) string {
	return strings.ToUpper(text)
}

func (s *Service) GetID() int {
	return s.id
}

func (s *Service) LoadIt(word string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words = append(s.words, word)
}

// RemoveIt takes the most recently loaded word.
func (s *Service) RemoveIt() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.words) == 0 {
		return "", ErrEmpty
	}
	word := s.words[len(s.words)-1]
	s.words = s.words[:len(s.words)-1]
	return word, nil
}

func (s *Service) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.logger.Debug("Calculator instance closed", zap.Int("id", s.id))
	}
	return nil
}

func (s *Service) Closed() bool {
	return s.closed.Load()
}
