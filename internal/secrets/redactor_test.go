package secrets

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testToken is a syntactically valid, never-issued GitHub token.
var testToken = "ghp_" + "u8jzPde0IgxLd6GncfBAepfJBd0Kh8oOOL8d"

func newTestRedactor(t *testing.T, allowlist *Allowlist) *Redactor {
	t.Helper()
	r, err := New(allowlist, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRedactor_NoSecrets(t *testing.T) {
	r := newTestRedactor(t, nil)

	content := "ok  \tgithub.com/fyrsmithlabs/conductor/internal/queue\t0.412s\n"
	assert.Equal(t, content, r.Scrub(content))
	assert.Empty(t, r.Detect(content))
	assert.Equal(t, "", r.Scrub(""))
	assert.Zero(t, r.Redacted())
}

func TestRedactor_ScrubsToken(t *testing.T) {
	r := newTestRedactor(t, nil)

	content := "pushing with " + testToken + "\ndone\n"
	out := r.Scrub(content)

	assert.NotContains(t, out, testToken)
	assert.Contains(t, out, "[REDACTED:")
	assert.Contains(t, out, "\ndone\n")
	assert.GreaterOrEqual(t, r.Redacted(), uint64(1))
}

func TestRedactor_RepeatedSecretReplacedEverywhere(t *testing.T) {
	r := newTestRedactor(t, nil)

	content := "first " + testToken + "\nsecond " + testToken + "\n"
	out := r.Scrub(content)
	assert.NotContains(t, out, testToken)
}

func TestRedactor_Allowlist(t *testing.T) {
	r := newTestRedactor(t, &Allowlist{Regexes: []string{`ghp_u8jz\w+`}})

	content := "pushing with " + testToken + "\n"
	assert.Equal(t, content, r.Scrub(content))
}

func TestRedactor_InvalidAllowlistPattern(t *testing.T) {
	_, err := New(&Allowlist{Regexes: []string{"("}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestRedactor_Concurrent(t *testing.T) {
	r := newTestRedactor(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotContains(t, r.Scrub("token "+testToken), testToken)
		}()
	}
	wg.Wait()
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("empty path", func(t *testing.T) {
		al, err := LoadAllowlist("")
		require.NoError(t, err)
		assert.Empty(t, al.Regexes)
	})

	t.Run("missing file", func(t *testing.T) {
		al, err := LoadAllowlist(filepath.Join(dir, "missing.toml"))
		require.NoError(t, err)
		assert.Empty(t, al.Regexes)
	})

	t.Run("valid file", func(t *testing.T) {
		path := write("ok.toml", "[allowlist]\nregexes = ['''EXAMPLE_[A-Z]+''', '''ghp_test\\w+''']\n")
		al, err := LoadAllowlist(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"EXAMPLE_[A-Z]+", `ghp_test\w+`}, al.Regexes)
	})

	t.Run("invalid regex", func(t *testing.T) {
		path := write("bad-regex.toml", "[allowlist]\nregexes = ['''(''']\n")
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidRegex)
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := write("bad.toml", "[allowlist\nregexes = \n")
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidTOML)
	})
}
