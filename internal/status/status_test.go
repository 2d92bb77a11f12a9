package status

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecedenceOrder(t *testing.T) {
	shuffled := []Status{Error, Ok, Warning, Pending, Critical, Disabled, Unknown}
	sort.Slice(shuffled, func(i, j int) bool {
		return shuffled[i].Precedence() < shuffled[j].Precedence()
	})
	assert.Equal(t, []Status{Ok, Pending, Disabled, Unknown, Warning, Critical, Error}, shuffled)
}

func TestFromExitCode(t *testing.T) {
	assert.Equal(t, Ok, FromExitCode(0))
	assert.Equal(t, Warning, FromExitCode(1))
	assert.Equal(t, Critical, FromExitCode(2))
	assert.Equal(t, Unknown, FromExitCode(3))
	assert.Equal(t, Error, FromExitCode(4))
	assert.Equal(t, Error, FromExitCode(127))
	assert.Equal(t, Error, FromExitCode(-1))
}

func TestExitCodeRoundTrip(t *testing.T) {
	for _, s := range []Status{Ok, Warning, Critical, Unknown} {
		assert.Equal(t, s, FromExitCode(s.ExitCode()), "status %s", s)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, Critical, s)

	_, err = Parse("checking")
	assert.Error(t, err)

	for _, s := range All {
		parsed, err := Parse(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

func TestCSSClasses(t *testing.T) {
	assert.Equal(t, "success", Ok.BackgroundClass())
	assert.Equal(t, "danger", Critical.BackgroundClass())
	assert.Equal(t, "danger", Error.BackgroundClass())
	assert.Equal(t, "warning", Warning.BackgroundClass())
	assert.Equal(t, "secondary", Pending.BackgroundClass())
	assert.Equal(t, "secondary", Disabled.BackgroundClass())
	assert.Equal(t, "secondary", Unknown.BackgroundClass())

	assert.Equal(t, "light", Ok.TextClass())
	assert.Equal(t, "dark", Unknown.TextClass())
}

func TestNewResultTruncates(t *testing.T) {
	long := strings.Repeat("x", MaxResultTextBytes+512)
	res := NewResult(Ok, time.Second, long)
	assert.Len(t, res.ResultText, MaxResultTextBytes)

	res = NewResult(Warning, 0, "  hello \n")
	assert.Equal(t, "hello", res.ResultText)
}
