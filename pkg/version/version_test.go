package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "dev", Build: "abc"}
	require.Equal(t, "Version: 1.2.3-dev\nBuild: abc", v.String())

	v.Metadata = ""
	require.True(t, strings.HasPrefix(v.String(), "Version: 1.2.3\n"))
}
