package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFetchTaskDefaults(t *testing.T) {
	task := NewFetchTask(7, 7, "  https://youtu.be/x  ", "weird", 11, "en")
	assert.Equal(t, ModeDownload, task.Mode)
	assert.Equal(t, "https://youtu.be/x", task.URL)
	assert.Equal(t, TaskFetchDeliver, task.Kind)
	assert.Len(t, task.ID, 26)
}

func TestDecodeRejectsIncomplete(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"media:fetch","user_id":1,"url":"","mode":"download"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"kind":"other","user_id":1,"url":"u","mode":"download"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestAsynqTaskCarriesPayload(t *testing.T) {
	task := NewFetchTask(3, 3, "https://www.tiktok.com/@a/video/1", ModeTransform, 5, "ru")
	task.BusyToken = NewToken()
	at, err := NewAsynqTask(task, "media")
	require.NoError(t, err)
	assert.Equal(t, TaskFetchDeliver, at.Type())

	back, err := Decode(at.Payload())
	require.NoError(t, err)
	assert.Equal(t, task, back)
}

func TestTokensAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok := NewToken()
		require.False(t, seen[tok])
		seen[tok] = true
	}
	assert.Len(t, ShortSuffix(), 10)
}
