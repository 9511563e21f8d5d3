package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
)

func sample() *Result {
	r := NewResult()
	r.Add("/src/proj/lib.go", 3, 1)
	r.Add("/src/proj/lib.go", 7, 0)
	r.Add("/src/proj/unused.go", 2, 0)
	r.Add("/src/proj/unused.go", 3, 0)
	r.Add("/src/proj/unused.go", 4, 0)
	r.Add("/src/proj/sub/x.go", 10, 4)
	return r
}

func TestResultCounts(t *testing.T) {
	r := sample()

	assert.Equal(t, 6, r.Coverable())
	assert.Equal(t, 2, r.Covered())
	assert.Equal(t, []string{"/src/proj/lib.go", "/src/proj/sub/x.go", "/src/proj/unused.go"}, r.Files())

	// A tracked line with zero hits is distinct from an untracked line.
	stat, ok := r.Stat("/src/proj/lib.go", 7)
	require.True(t, ok)
	assert.False(t, stat.Covered())
	_, ok = r.Stat("/src/proj/lib.go", 8)
	assert.False(t, ok)

	assert.Equal(t, []LineStat{
		{Line: 3, Stat: Stat{Hits: 1}},
		{Line: 7, Stat: Stat{Hits: 0}},
	}, r.ChildTraces("/src/proj/lib.go"))
	assert.Empty(t, r.ChildTraces("/src/proj/none.go"))
}

func TestResultPathQueries(t *testing.T) {
	r := sample()

	tests := []struct {
		path      string
		coverable int
		covered   int
	}{
		{"/src/proj", 6, 2},
		{"/src/proj/", 6, 2},
		{"/src/proj/sub", 1, 1},
		{"/src/proj/unused.go", 3, 0},
		{"/src/pro", 0, 0},
		{"/elsewhere", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.coverable, r.CoverableInPath(tt.path))
			assert.Equal(t, tt.covered, r.CoveredInPath(tt.path))
		})
	}
}

func TestResultMerge(t *testing.T) {
	t.Run("sum", func(t *testing.T) {
		a := NewResult()
		a.Add("/a.go", 1, 2)
		a.Add("/a.go", 2, 0)
		b := NewResult()
		b.Add("/a.go", 1, 3)
		b.Add("/b.go", 5, 1)

		a.Merge(b, MergeSum)

		stat, _ := a.Stat("/a.go", 1)
		assert.Equal(t, uint64(5), stat.Hits)
		stat, ok := a.Stat("/a.go", 2)
		assert.True(t, ok)
		assert.Equal(t, uint64(0), stat.Hits)
		stat, _ = a.Stat("/b.go", 5)
		assert.Equal(t, uint64(1), stat.Hits)
		assert.Equal(t, 3, a.Coverable())
	})

	t.Run("max", func(t *testing.T) {
		a := NewResult()
		a.Add("/a.go", 1, 2)
		b := NewResult()
		b.Add("/a.go", 1, 7)
		c := NewResult()
		c.Add("/a.go", 1, 4)

		a.Merge(b, MergeMax)
		a.Merge(c, MergeMax)

		stat, _ := a.Stat("/a.go", 1)
		assert.Equal(t, uint64(7), stat.Hits)
	})

	t.Run("same input twice doubles under sum", func(t *testing.T) {
		in := sample()
		out := NewResult()
		out.Merge(in, MergeSum)
		out.Merge(in, MergeSum)

		stat, _ := out.Stat("/src/proj/sub/x.go", 10)
		assert.Equal(t, uint64(8), stat.Hits)
		assert.Equal(t, in.Coverable(), out.Coverable())
	})
}

func TestResultClone(t *testing.T) {
	r := sample()
	cp := r.Clone()
	cp.Add("/src/proj/lib.go", 3, 10)

	stat, _ := r.Stat("/src/proj/lib.go", 3)
	assert.Equal(t, uint64(1), stat.Hits)
	stat, _ = cp.Stat("/src/proj/lib.go", 3)
	assert.Equal(t, uint64(11), stat.Hits)
}

func TestFromHits(t *testing.T) {
	a := &debuginfo.Line{File: "/src/a.go", Line: 4, Addresses: []uint64{0x10}}
	b := &debuginfo.Line{File: "/src/a.go", Line: 5, Addresses: []uint64{0x20}}
	// Distinct records of the same source line are summed.
	c := &debuginfo.Line{File: "/src/a.go", Line: 4, Addresses: []uint64{0x30}}

	r := FromHits(map[*debuginfo.Line]uint64{a: 2, b: 0, c: 1})

	stat, _ := r.Stat("/src/a.go", 4)
	assert.Equal(t, uint64(3), stat.Hits)
	stat, ok := r.Stat("/src/a.go", 5)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), stat.Hits)
	assert.True(t, NewResult().IsEmpty())
	assert.False(t, r.IsEmpty())
}

func TestSummary(t *testing.T) {
	summary := sample().Summary()
	require.Len(t, summary, 3)

	assert.Equal(t, FileSummary{File: "/src/proj/lib.go", Covered: 1, Coverable: 2}, summary[0])
	assert.InDelta(t, 50.0, summary[0].Percent(), 0.001)
	assert.InDelta(t, 0.0, summary[2].Percent(), 0.001)
	assert.InDelta(t, 0.0, Percent(0, 0), 0.001)
}

func TestParseMergePolicy(t *testing.T) {
	p, err := ParseMergePolicy("")
	require.NoError(t, err)
	assert.Equal(t, MergeSum, p)

	p, err = ParseMergePolicy("max")
	require.NoError(t, err)
	assert.Equal(t, MergeMax, p)

	_, err = ParseMergePolicy("avg")
	assert.Error(t, err)
}
