package task

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "plain", input: "fix the login bug", want: "fix the login bug"},
		{name: "trims", input: "  run tests!\n", want: "run tests!"},
		{name: "punctuation", input: "add logging, retries_v2 and docs-update. ok?", want: "add logging, retries_v2 and docs-update. ok?"},
		{name: "empty", input: "   ", wantErr: "cannot be empty"},
		{name: "slash", input: "read etc/passwd", wantErr: "Path separators"},
		{name: "backslash", input: `C:\Windows`, wantErr: "Path separators"},
		{name: "traversal", input: "go up .. twice", wantErr: "Path separators"},
		{name: "shell metachar", input: "rm -rf $HOME", wantErr: "forbidden characters"},
		{name: "quotes", input: `say "hi"`, wantErr: "forbidden characters"},
		{name: "semicolon", input: "a; b", wantErr: "forbidden characters"},
		{name: "non ascii", input: "café", wantErr: "forbidden characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sanitize(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, agenterrors.IsCode(err, agenterrors.ErrCodeValidation))
				assert.Contains(t, agenterrors.UserMessage(err), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeLengthBoundary(t *testing.T) {
	exact := strings.Repeat("a", MaxDescriptionLength)
	got, err := Sanitize(exact)
	require.NoError(t, err)
	assert.Equal(t, exact, got)

	_, err = Sanitize(exact + "a")
	require.Error(t, err)
	assert.True(t, agenterrors.IsCode(err, agenterrors.ErrCodeValidation))
	assert.Contains(t, agenterrors.UserMessage(err), "too long")
}

func TestSanitizeAcceptsRandomValidDescriptions(t *testing.T) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 -_,!?"
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(MaxDescriptionLength)
		var sb strings.Builder
		for j := 0; j < n; j++ {
			sb.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		desc := strings.TrimSpace(sb.String())
		if desc == "" {
			continue
		}
		got, err := Sanitize(desc)
		require.NoError(t, err, "description %q", desc)
		require.Equal(t, desc, got)
	}
}
