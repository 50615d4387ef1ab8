package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name        string
		builder     *Builder
		expectedErr string
	}{
		{
			name:        "missing serviceName",
			builder:     NewBuilder().EndTs(1),
			expectedErr: "serviceName was empty",
		},
		{
			name:        "empty serviceName",
			builder:     NewBuilder().ServiceName("").EndTs(1),
			expectedErr: "serviceName was empty",
		},
		{
			name:        "empty spanName",
			builder:     NewBuilder().ServiceName("svc").SpanName("").EndTs(1),
			expectedErr: "spanName was empty",
		},
		{
			name:        "zero endTs",
			builder:     NewBuilder().ServiceName("svc").EndTs(0),
			expectedErr: "endTs should be positive, in epoch milliseconds: was 0",
		},
		{
			name:        "negative endTs",
			builder:     NewBuilder().ServiceName("svc").EndTs(-1),
			expectedErr: "endTs should be positive, in epoch milliseconds: was -1",
		},
		{
			name:        "zero limit",
			builder:     NewBuilder().ServiceName("svc").EndTs(1).Limit(0),
			expectedErr: "limit should be positive: was 0",
		},
		{
			name:        "negative limit",
			builder:     NewBuilder().ServiceName("svc").EndTs(1).Limit(-5),
			expectedErr: "limit should be positive: was -5",
		},
		{
			name:        "empty annotation",
			builder:     NewBuilder().ServiceName("svc").EndTs(1).AddAnnotation(""),
			expectedErr: "annotation was empty",
		},
		{
			name:        "empty binary annotation key",
			builder:     NewBuilder().ServiceName("svc").EndTs(1).AddBinaryAnnotation("", "v"),
			expectedErr: "binary annotation key was empty",
		},
		{
			name:        "empty binary annotation value",
			builder:     NewBuilder().ServiceName("svc").EndTs(1).AddBinaryAnnotation("http.path", ""),
			expectedErr: `binary annotation value for "http.path" was empty`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.builder.Build()
			require.Error(t, err)
			require.ErrorIs(t, err, ErrInvalidArgument)
			assert.Contains(t, err.Error(), tc.expectedErr)
		})
	}
}

func TestBuildDefaults(t *testing.T) {
	// the endTs default is the current millisecond clock scaled by 1000
	before := time.Now().UnixMilli() * 1000
	req, err := NewBuilder().ServiceName("svc").Build()
	after := time.Now().UnixMilli() * 1000
	require.NoError(t, err)

	assert.GreaterOrEqual(t, req.EndTs(), before)
	assert.LessOrEqual(t, req.EndTs(), after)
	assert.Equal(t, req.EndTs(), req.Lookback())
	assert.Equal(t, 10, req.Limit())
}

func TestBuildLookbackClamp(t *testing.T) {
	tests := []struct {
		name             string
		endTs            int64
		lookback         *int64
		expectedLookback int64
	}{
		{name: "unset defaults to endTs", endTs: 1000, expectedLookback: 1000},
		{name: "zero stays zero", endTs: 1000, lookback: ptr(int64(0)), expectedLookback: 0},
		{name: "equal to endTs", endTs: 1000, lookback: ptr(int64(1000)), expectedLookback: 1000},
		{name: "below endTs preserved", endTs: 1000, lookback: ptr(int64(250)), expectedLookback: 250},
		{name: "above endTs clamped", endTs: 1_000_000, lookback: ptr(int64(2_000_000)), expectedLookback: 1_000_000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder().ServiceName("svc").EndTs(tc.endTs)
			if tc.lookback != nil {
				b.Lookback(*tc.lookback)
			}
			req, err := b.Build()
			require.NoError(t, err)
			assert.Equal(t, tc.expectedLookback, req.Lookback())
			assert.LessOrEqual(t, req.Lookback(), req.EndTs())
		})
	}
}

func TestCaseFolding(t *testing.T) {
	upper, err := NewBuilder().ServiceName("Frontend").SpanName("GET /Users").EndTs(1_000_000).Build()
	require.NoError(t, err)
	lower, err := NewBuilder().ServiceName("frontend").SpanName("get /users").EndTs(1_000_000).Build()
	require.NoError(t, err)

	assert.Equal(t, "frontend", upper.ServiceName())
	spanName, ok := upper.SpanName()
	require.True(t, ok)
	assert.Equal(t, "get /users", spanName)

	assert.True(t, upper.Equal(lower))
	assert.Equal(t, lower.Hash(), upper.Hash())
}

func TestBuildExamples(t *testing.T) {
	req, err := NewBuilder().
		ServiceName("Frontend").
		EndTs(1_000_000).
		Lookback(500_000).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "frontend", req.ServiceName())
	_, hasSpanName := req.SpanName()
	assert.False(t, hasSpanName)
	assert.Empty(t, req.Annotations())
	assert.Empty(t, req.BinaryAnnotations())
	assert.Equal(t, int64(500_000), req.Lookback())
	assert.Equal(t, 10, req.Limit())

	req, err = NewBuilder().ServiceName("api").Lookback(2_000_000).EndTs(1_000_000).Build()
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), req.Lookback())
}

func TestMaxDurationWithoutMinDurationAllowed(t *testing.T) {
	req, err := NewBuilder().ServiceName("svc").EndTs(1).MaxDuration(5000).Build()
	require.NoError(t, err)

	_, hasMin := req.MinDuration()
	assert.False(t, hasMin)
	max, hasMax := req.MaxDuration()
	require.True(t, hasMax)
	assert.Equal(t, uint64(5000), max)
}

func TestToBuilderRoundTrip(t *testing.T) {
	orig, err := NewBuilder().
		ServiceName("Frontend").
		SpanName("get").
		AddAnnotation("error").
		AddAnnotation("sr").
		AddBinaryAnnotation("http.method", "GET").
		AddBinaryAnnotation("http.path", "/users").
		MinDuration(1000).
		MaxDuration(100_000).
		EndTs(1_000_000).
		Lookback(500_000).
		Limit(25).
		Build()
	require.NoError(t, err)

	rebuilt, err := orig.ToBuilder().Build()
	require.NoError(t, err)

	assert.True(t, orig.Equal(rebuilt))
	assert.True(t, rebuilt.Equal(orig))
	assert.Equal(t, orig.Hash(), rebuilt.Hash())
	assert.Equal(t, orig.String(), rebuilt.String())
}

func TestEqualAndHash(t *testing.T) {
	base := func() *Builder {
		return NewBuilder().ServiceName("svc").SpanName("get").EndTs(1000).Lookback(500).Limit(10)
	}

	tests := []struct {
		name          string
		a, b          *Builder
		expectedEqual bool
	}{
		{
			name:          "identical",
			a:             base().AddAnnotation("error").AddBinaryAnnotation("k", "v"),
			b:             base().AddAnnotation("error").AddBinaryAnnotation("k", "v"),
			expectedEqual: true,
		},
		{
			name:          "explicit defaults equal implicit defaults",
			a:             NewBuilder().ServiceName("svc").EndTs(1000).Lookback(1000).Limit(10),
			b:             NewBuilder().ServiceName("svc").EndTs(1000),
			expectedEqual: true,
		},
		{
			name:          "spanName absent vs present",
			a:             NewBuilder().ServiceName("svc").EndTs(1000),
			b:             NewBuilder().ServiceName("svc").SpanName("get").EndTs(1000),
			expectedEqual: false,
		},
		{
			name:          "annotation order significant",
			a:             base().AddAnnotation("a").AddAnnotation("b"),
			b:             base().AddAnnotation("b").AddAnnotation("a"),
			expectedEqual: false,
		},
		{
			name:          "binary annotation value differs",
			a:             base().AddBinaryAnnotation("k", "v"),
			b:             base().AddBinaryAnnotation("k", "w"),
			expectedEqual: false,
		},
		{
			name:          "minDuration absent vs zero",
			a:             base(),
			b:             base().MinDuration(0),
			expectedEqual: false,
		},
		{
			name:          "lookback differs",
			a:             base(),
			b:             base().Lookback(499),
			expectedEqual: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := tc.a.Build()
			require.NoError(t, err)
			b, err := tc.b.Build()
			require.NoError(t, err)

			assert.Equal(t, tc.expectedEqual, a.Equal(b))
			assert.Equal(t, tc.expectedEqual, b.Equal(a))
			if tc.expectedEqual {
				assert.Equal(t, a.Hash(), b.Hash())
			} else {
				assert.NotEqual(t, a.Hash(), b.Hash())
			}
		})
	}
}

func TestWhitespaceStringsPermitted(t *testing.T) {
	// validation rejects empty strings only, whitespace is a caller choice
	req, err := NewBuilder().ServiceName(" ").EndTs(1).AddAnnotation(" ").Build()
	require.NoError(t, err)
	assert.Equal(t, " ", req.ServiceName())
}

func TestAccessorsCopy(t *testing.T) {
	req, err := NewBuilder().
		ServiceName("svc").
		EndTs(1000).
		AddAnnotation("error").
		AddBinaryAnnotation("k", "v").
		Build()
	require.NoError(t, err)

	req.Annotations()[0] = "mutated"
	req.BinaryAnnotations()["k"] = "mutated"

	assert.Equal(t, []string{"error"}, req.Annotations())
	assert.Equal(t, map[string]string{"k": "v"}, req.BinaryAnnotations())
}

func ptr[T any](v T) *T {
	return &v
}
