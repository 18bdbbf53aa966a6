package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntHistogram_EmptyHistogramHasZeroSelectivity(t *testing.T) {
	h := NewIntHistogram(10, 0, 99)
	require.Equal(t, float64(0), h.Selectivity(EQ, 50))
}

func TestIntHistogram_OutOfRangeIgnoredByAddValue(t *testing.T) {
	h := NewIntHistogram(10, 0, 9)
	h.AddValue(-1)
	h.AddValue(100)
	require.Equal(t, int64(0), h.Total())
}

func TestIntHistogram_EQAndNEAreComplementary(t *testing.T) {
	h := NewIntHistogram(10, 0, 99)
	for i := int64(0); i < 100; i++ {
		h.AddValue(i)
	}
	eq := h.Selectivity(EQ, 42)
	ne := h.Selectivity(NE, 42)
	require.InDelta(t, 1.0, eq+ne, 1e-9)
}

func TestIntHistogram_GTAndLTAreComplementaryAroundEQ(t *testing.T) {
	h := NewIntHistogram(10, 0, 99)
	for i := int64(0); i < 100; i++ {
		h.AddValue(i)
	}
	gt := h.Selectivity(GT, 50)
	lt := h.Selectivity(LT, 50)
	eq := h.Selectivity(EQ, 50)
	require.InDelta(t, 1.0, gt+lt+eq, 1e-6)
}

func TestIntHistogram_OutOfRangeBounds(t *testing.T) {
	h := NewIntHistogram(10, 0, 99)
	for i := int64(0); i < 100; i++ {
		h.AddValue(i)
	}
	require.Equal(t, float64(1), h.Selectivity(GT, -1))
	require.Equal(t, float64(0), h.Selectivity(GT, 200))
	require.Equal(t, float64(1), h.Selectivity(LT, 200))
	require.Equal(t, float64(0), h.Selectivity(LT, -1))
}

func TestIntHistogram_GEIncludesBoundary(t *testing.T) {
	h := NewIntHistogram(1, 0, 9)
	for i := int64(0); i < 10; i++ {
		h.AddValue(i)
	}
	require.Equal(t, float64(1), h.Selectivity(GE, 0))
	require.Equal(t, float64(1), h.Selectivity(LE, 9))
}

func TestTableStats_SyntheticWorkload(t *testing.T) {
	ts := NewTableStats(2, []string{"a"})
	require.Equal(t, 2*510, ts.NumTuples())
	require.NotNil(t, ts.Histogram("a"))
	require.Equal(t, int64(2*510), ts.Histogram("a").Total())
}

func TestTableStats_EstimateScanCost(t *testing.T) {
	ts := NewTableStats(7, nil)
	require.Equal(t, float64(7), ts.EstimateScanCost())
}

func TestTableStats_EstimateTableCardinality(t *testing.T) {
	ts := NewTableStats(1, nil)
	require.Equal(t, int64(5100), ts.EstimateTableCardinality(0.5))
}

func TestTableStats_UnknownFieldSelectivityDefaultsToOne(t *testing.T) {
	ts := NewTableStats(1, nil)
	require.Equal(t, float64(1), ts.EstimateSelectivity("missing", EQ, 5))
}
