package keyword

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

func values(t *testing.T, d *Detector, text string) []string {
	t.Helper()
	got, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	out := make([]string, 0, len(got))
	for _, f := range got {
		assert.Equal(t, sanitize.KindConfidential, f.Kind)
		assert.Equal(t, sanitize.MethodKeyword, f.Method)
		assert.Equal(t, f.Value, text[f.Start:f.End])
		out = append(out, f.Value)
	}
	return out
}

func TestDetect_Vocabulary(t *testing.T) {
	d := New()
	assert.Equal(t, []string{"Confidential", "internal only"},
		values(t, d, "Confidential memo, internal only."))
	assert.Equal(t, []string{"TOP SECRET"}, values(t, d, "this is TOP SECRET stuff"))
	assert.Equal(t, []string{"Do Not  Share"}, values(t, d, "Do Not  Share this"))
}

func TestDetect_WordBoundaries(t *testing.T) {
	d := New()
	assert.Empty(t, values(t, d, "Monday agenda, unrestricted access"))
	assert.Equal(t, []string{"NDA"}, values(t, d, "signed the NDA yesterday"))
}

func TestDetect_ExtraKeywords(t *testing.T) {
	d := New("Project Falcon", "codename:", "nda")
	assert.Equal(t, []string{"project falcon", "codename:"},
		values(t, d, "re project falcon codename: x"))
}

func TestNormalize_LongestFirst(t *testing.T) {
	got := normalize([]string{"KEY", " ", "SECRET KEY", "key"})
	assert.Equal(t, []string{"SECRET KEY", "KEY"}, got)
}
