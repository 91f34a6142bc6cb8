package sched

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octopode/spectackler/pkg/poll"
)

const sampleTable = `T_set	P_set	msg
20	1	dph
20	500	dph
25	1	dph
`

func TestReadPlan(t *testing.T) {
	p, err := ReadPlan(strings.NewReader(sampleTable))
	require.NoError(t, err)
	assert.Equal(t, []string{"T_set", "P_set", "msg"}, p.Columns)
	require.Len(t, p.Rows, 3)

	v, ok := p.Rows[1]["P_set"].Float()
	require.True(t, ok)
	assert.InDelta(t, 500.0, v, 1e-9)
	assert.Equal(t, "dph", p.Rows[0]["msg"].String())
}

func TestReadPlanErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "empty", in: ""},
		{name: "header only", in: "T_set\tP_set\n"},
		{name: "ragged row", in: "T_set\tP_set\n20\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPlan(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestPlanRoundTrip(t *testing.T) {
	p, err := ReadPlan(strings.NewReader(sampleTable))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = p.WriteTo(&buf)
	require.NoError(t, err)

	again, err := ReadPlan(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(p, again); diff != "" {
		t.Errorf("plan changed across write/read (-want +got):\n%s", diff)
	}
}

func TestGenerateRightmostFastest(t *testing.T) {
	p, err := Generate([]Range{
		{Field: "T_set", Start: 20, Stop: 30, Step: 10},
		{Field: "P_set", Start: 1, Stop: 501, Step: 250},
	}, Row{"msg": poll.Str("dph")})
	require.NoError(t, err)

	assert.Equal(t, []string{"T_set", "P_set", "msg"}, p.Columns)
	require.Len(t, p.Rows, 6)

	want := []struct{ tSet, pSet float64 }{
		{20, 1}, {20, 251}, {20, 501},
		{30, 1}, {30, 251}, {30, 501},
	}
	for i, w := range want {
		tSet, _ := p.Rows[i]["T_set"].Float()
		pSet, _ := p.Rows[i]["P_set"].Float()
		assert.Equal(t, w.tSet, tSet, "row %d T_set", i)
		assert.Equal(t, w.pSet, pSet, "row %d P_set", i)
		assert.Equal(t, "dph", p.Rows[i]["msg"].String())
	}
}

func TestGenerateDescending(t *testing.T) {
	p, err := Generate([]Range{
		{Field: "T_set", Start: 30, Stop: 10, Step: -10},
	}, nil)
	require.NoError(t, err)
	require.Len(t, p.Rows, 3)
	first, _ := p.Rows[0]["T_set"].Float()
	last, _ := p.Rows[2]["T_set"].Float()
	assert.Equal(t, 30.0, first)
	assert.Equal(t, 10.0, last)
}

func TestGenerateBadRange(t *testing.T) {
	_, err := Generate([]Range{
		{Field: "T_set", Start: 10, Stop: 30, Step: -5},
	}, nil)
	assert.Error(t, err)

	_, err = Generate([]Range{
		{Field: "T_set", Start: 10, Stop: 30, Step: 0},
	}, nil)
	assert.Error(t, err)
}

func TestGenerateSingleValueRange(t *testing.T) {
	p, err := Generate([]Range{
		{Field: "P_set", Start: 100, Stop: 100, Step: 0},
	}, nil)
	require.NoError(t, err)
	require.Len(t, p.Rows, 1)
}
