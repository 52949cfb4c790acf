package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Amount
	}{
		{"whole", "1000", 100000},
		{"two decimals", "1050.00", 105000},
		{"one decimal", "10.5", 1050},
		{"cents only", ".75", 75},
		{"zero", "0", 0},
		{"leading zeros", "007.50", 750},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "-1", "+1", "1.2.3", "abc", "1.234", "1e5"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalidAmount, in)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "1050.00", Amount(105000).String())
	assert.Equal(t, "0.05", Amount(5).String())
	assert.Equal(t, "0.00", Zero.String())
	assert.Equal(t, "-6.50", Amount(-650).String())
}

func TestFromMajor(t *testing.T) {
	assert.Equal(t, MustParse("1000"), FromMajor(1000))
	assert.Equal(t, FromMajor(1050), FromMajor(1000).Add(FromMajor(50)))
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Price Amount `json:"price"`
	}{FromMajor(650)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"650.00"}`, string(b))

	var v struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12.30","b":400}`), &v))
	assert.Equal(t, Amount(1230), v.A)
	assert.Equal(t, FromMajor(400), v.B)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"-1"}`), &v))
}
