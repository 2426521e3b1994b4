package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/uniqbot/internal/jobs"
)

func TestEncodeParse(t *testing.T) {
	token := jobs.NewToken()
	for _, a := range []Action{
		Lang{Lang: "en"},
		Menu{Mode: jobs.ModeTransform},
		Admin{Op: AdminBroadcast},
		Confirm{Yes: true, Token: token},
		Confirm{Yes: false, Token: token},
		BroadcastCancel{},
	} {
		data := Encode(a)
		assert.LessOrEqual(t, len(data), 64, data)
		got, err := Parse(data)
		require.NoError(t, err, data)
		assert.Equal(t, a, got)
	}
}

func TestParseRejects(t *testing.T) {
	for _, data := range []string{
		"", "lang:", "menu:zip", "adm:drop", "cf:y:", "cf:maybe:T", "cf:y", "bc:go", "fmt:mp4",
	} {
		_, err := Parse(data)
		assert.ErrorIs(t, err, ErrUnknown, data)
	}
}
