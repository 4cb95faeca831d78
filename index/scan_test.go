package index

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func keys(entries []Entry) []string {
	var ks []string
	for _, e := range entries {
		ks = append(ks, string(e.Key))
	}
	return ks
}

func entriesOf(ks ...string) []Entry {
	var entries []Entry
	for _, k := range ks {
		entries = append(entries, Entry{Key: []byte(k), Status: StatusCurrent})
	}
	return entries
}

func TestSliceRestartable(t *testing.T) {
	assert := assert.New(t)
	s := Slice(entriesOf("a", "b")...)
	for i := 0; i < 2; i++ {
		entries, err := Collect(s)
		assert.NoError(err)
		assert.Equal([]string{"a", "b"}, keys(entries), "scan %d", i)
	}
}

func TestConcat(t *testing.T) {
	assert := assert.New(t)
	s := Concat(Slice(entriesOf("a")...), Slice(), Slice(entriesOf("b", "c")...))
	entries, err := Collect(s)
	assert.NoError(err)
	assert.Equal([]string{"a", "b", "c"}, keys(entries))
	n, err := Count(s)
	assert.NoError(err)
	assert.Equal(3, n)
}

func TestConcatError(t *testing.T) {
	assert := assert.New(t)
	boom := errors.New("boom")
	s := Concat(Slice(entriesOf("a")...), Failed(boom), Slice(entriesOf("b")...))
	entries, err := Collect(s)
	assert.Equal(boom, err)
	assert.Equal([]string{"a"}, keys(entries), "iteration stops at the failing scan")
}

func TestWindow(t *testing.T) {
	assert := assert.New(t)
	s := Slice(entriesOf("a", "b", "c", "d")...)
	for _, c := range []struct {
		offset, limit int
		expected      []string
	}{
		{0, 0, []string{"a", "b", "c", "d"}},
		{1, 0, []string{"b", "c", "d"}},
		{0, 2, []string{"a", "b"}},
		{1, 2, []string{"b", "c"}},
		{3, 5, []string{"d"}},
		{5, 1, nil},
	} {
		entries, err := Collect(Window(s, c.offset, c.limit))
		assert.NoError(err)
		assert.Equal(c.expected, keys(entries), "offset %d limit %d", c.offset, c.limit)
	}
}
