package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHost(t *testing.T) {
	cases := []struct {
		args []string
		want string
		ok   bool
	}{
		{[]string{"https://API.example.com:8443/x?y=1"}, "api.example.com", true},
		{[]string{"db.internal:5432"}, "db.internal", true},
		{[]string{"10.0.0.0/24"}, "10.0.0.0/24", true},
		{[]string{"ping 192.168.1.7 now"}, "192.168.1.7", true},
		{[]string{"-s", "example.org/path"}, "example.org", true},
		{[]string{"localhost"}, "localhost", true},
		{[]string{"/data/file", "hello"}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, ok := extractHost(tc.args)
		assert.Equal(t, tc.ok, ok, "%v", tc.args)
		assert.Equal(t, tc.want, got, "%v", tc.args)
	}
}

func TestHostMatches(t *testing.T) {
	assert.True(t, hostMatches("api.example.com", "API.example.com"))
	assert.True(t, hostMatches("10.2.3.4", "10.0.0.0/8"))
	assert.True(t, hostMatches("10.1.0.0/16", "10.0.0.0/8"))
	assert.False(t, hostMatches("10.0.0.0/7", "10.0.0.0/8"))
	assert.True(t, hostMatches("::1", "0:0:0:0:0:0:0:1"))
	assert.False(t, hostMatches("evil.com", ""))
}

func TestExtractPath(t *testing.T) {
	p, ok := extractPath([]string{"mode", "/data/x"})
	assert.True(t, ok)
	assert.Equal(t, "/data/x", p)

	p, ok = extractPath([]string{"relative.txt"})
	assert.True(t, ok)
	assert.Equal(t, "relative.txt", p)

	_, ok = extractPath(nil)
	assert.False(t, ok)
}

func TestIsWriteOperation(t *testing.T) {
	assert.True(t, isWriteOperation("ccos.io.write-line"))
	assert.True(t, isWriteOperation("ccos.fs.delete"))
	assert.False(t, isWriteOperation("ccos.io.read-line"))
	assert.False(t, isWriteOperation("ccos.io.open-file"))
}

func TestPathWithin(t *testing.T) {
	assert.True(t, pathWithin("/data", "/data"))
	assert.True(t, pathWithin("/data/a/b", "/data/"))
	assert.False(t, pathWithin("/database", "/data"))
	assert.True(t, pathWithin("/anything", "/"))
}
