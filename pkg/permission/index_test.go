package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexRegisterAndAggregateRead(t *testing.T) {
	idx, err := OpenIndex(":memory:")
	require.NoError(t, err)
	defer idx.Close()

	f := mustFile(t, "alice@openmined.org/public", `
- path: "**"
  user: "*"
  permissions: ["read"]
`)
	permfilePath := "alice@openmined.org/public/" + FileName
	require.NoError(t, idx.IndexFile(permfilePath, f))

	require.NoError(t, idx.RegisterFile("alice@openmined.org/public/a.txt", []*File{f}))
	require.NoError(t, idx.RegisterFile("alice@openmined.org/private/b.txt", nil))

	agg, err := idx.AggregateRead("bob@example.com", "alice@openmined.org/public")
	require.NoError(t, err)
	require.Len(t, agg, 1)
	require.Equal(t, "alice@openmined.org/public/a.txt", agg[0].Path)
	require.True(t, agg[0].Read)
}

func TestIndexReindexIsAtomic(t *testing.T) {
	idx, err := OpenIndex(":memory:")
	require.NoError(t, err)
	defer idx.Close()

	dirPath := "alice@openmined.org/shared"
	permfilePath := dirPath + "/" + FileName

	f1 := mustFile(t, dirPath, `
- path: "**"
  user: "*"
  permissions: ["read"]
`)
	require.NoError(t, idx.IndexFile(permfilePath, f1))
	require.NoError(t, idx.RegisterFile(dirPath+"/a.txt", []*File{f1}))

	agg, err := idx.AggregateRead("bob@example.com", dirPath)
	require.NoError(t, err)
	require.Len(t, agg, 1)
	require.True(t, agg[0].Read)

	f2 := mustFile(t, dirPath, `
- path: "**"
  user: "*"
  type: disallow
  permissions: ["read"]
`)
	require.NoError(t, idx.IndexFile(permfilePath, f2))
	require.NoError(t, idx.RegisterFile(dirPath+"/a.txt", []*File{f2}))

	agg, err = idx.AggregateRead("bob@example.com", dirPath)
	require.NoError(t, err)
	require.Len(t, agg, 1)
	require.False(t, agg[0].Read)
}
