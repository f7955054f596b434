package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUniqueName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 6, 789_000_000, time.UTC)
	base := "backup-20240309T140506.789Z"

	taken := map[string]bool{}
	has := func(n string) bool { return taken[n] }

	assert.Equal(t, base, uniqueName(ts, has))
	taken[base] = true
	assert.Equal(t, base+"-1", uniqueName(ts, has))
	taken[base+"-1"] = true
	assert.Equal(t, base+"-2", uniqueName(ts, has))
}

func TestNameSuffix(t *testing.T) {
	assert.Equal(t, 0, nameSuffix("backup-20240309T140506.789Z"))
	assert.Equal(t, 1, nameSuffix("backup-20240309T140506.789Z-1"))
	assert.Equal(t, 10, nameSuffix("backup-20240309T140506.789Z-10"))
	assert.Equal(t, 0, nameSuffix("backup-20240309T140506.789Z-x"))
}

func TestParseName(t *testing.T) {
	want := time.Date(2024, 3, 9, 14, 5, 6, 789_000_000, time.UTC)

	got, ok := parseName("backup-20240309T140506.789Z")
	assert.True(t, ok)
	assert.True(t, want.Equal(got))

	got, ok = parseName("backup-20240309T140506.789Z-3")
	assert.True(t, ok)
	assert.True(t, want.Equal(got))

	for _, bad := range []string{"", "backup-", "snapshot-20240309T140506.789Z", "backup-20240309T140506.789Z3", "backup-20240309T140506.789Z-x"} {
		_, ok := parseName(bad)
		assert.False(t, ok, bad)
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"backup-20240309T140506.789Z", true},
		{"manual-copy", true},
		{"", false},
		{".", false},
		{"..", false},
		{".staging-abc", false},
		{"../etc", false},
		{"a/b", false},
		{`a\b`, false},
		{"C:evil", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, validName(tt.name), tt.name)
	}
}
