package permission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTreeInstallsNestedPermissionFiles(t *testing.T) {
	root := t.TempDir()
	docsDir := filepath.Join(root, "alice@openmined.org", "docs")
	require.NoError(t, os.MkdirAll(docsDir, 0o755))

	doc := `
- path: "**"
  user: "bob@openmined.org"
  permissions: ["read"]
`
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, FileName), []byte(doc), 0o644))

	e := NewEngine()
	require.NoError(t, e.LoadTree(root))

	require.True(t, e.HasPermission("bob@openmined.org", "alice@openmined.org/docs/report.txt", Read))
	require.False(t, e.HasPermission("carol@openmined.org", "alice@openmined.org/docs/report.txt", Read))
}
