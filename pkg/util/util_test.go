package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	out := Map([]string{"a", "b"}, func(s string, i uint64) string {
		return s + string(rune('0'+i))
	})
	assert.Equal(t, []string{"a0", "b1"}, out)
}

func TestFind(t *testing.T) {
	one, two := 1, 2
	assert.Same(t, &two, Find([]*int{&one, &two}, func(i *int) bool { return *i == 2 }))
	assert.Nil(t, Find([]*int{&one}, func(i *int) bool { return *i == 3 }))
}

func TestFilter(t *testing.T) {
	assert.Equal(t, []int{2, 4}, Filter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 }))
	assert.Empty(t, Filter([]int{1}, func(i int) bool { return false }))
}
