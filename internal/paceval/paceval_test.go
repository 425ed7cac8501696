package paceval

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEvaluator struct {
	mu     sync.Mutex
	active int
	max    int
}

func (c *countingEvaluator) FindProxy(url, host string) ([]Result, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.max {
		c.max = c.active
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()
	return []Result{{Host: "p", Port: 8080}}, nil
}

func TestSerializedSingleFlight(t *testing.T) {
	ev := &countingEvaluator{}
	s := NewSerialized(ev)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.FindProxy("http://a/", "a")
			assert.NoError(t, err)
			assert.Len(t, res, 1)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ev.max, "evaluator calls are serialized")
}

func TestSerializedNil(t *testing.T) {
	assert.Nil(t, NewSerialized(nil))

	var s *Serialized
	res, err := s.FindProxy("http://a/", "a")
	assert.NoError(t, err)
	assert.Nil(t, res)
}
