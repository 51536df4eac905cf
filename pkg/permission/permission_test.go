package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFile(t *testing.T, dir, yamlDoc string) *File {
	t.Helper()
	f, err := ParseFile(dir, []byte(yamlDoc))
	require.NoError(t, err)
	return f
}

func TestOwnerAlwaysHasFullAccess(t *testing.T) {
	files := []*File{
		mustFile(t, ".", `
- path: "**"
  user: "*"
  permissions: []
`),
	}
	dec := Resolve("alice@openmined.org", "alice@openmined.org/private/secret.txt", files)
	assert.True(t, dec.Read)
	assert.True(t, dec.Write)
	assert.True(t, dec.Create)
	assert.True(t, dec.Admin)
}

func TestPublicReadGrantsOnlyRead(t *testing.T) {
	files := []*File{
		mustFile(t, "alice@openmined.org/public", `
- path: "**"
  user: "*"
  permissions: ["read"]
`),
	}
	dec := Resolve("bob@example.com", "alice@openmined.org/public/data.csv", files)
	assert.True(t, dec.Read)
	assert.False(t, dec.Write)
	assert.False(t, dec.Create)
}

func TestCreateAndWriteRequireRead(t *testing.T) {
	files := []*File{
		mustFile(t, "alice@openmined.org/inbox", `
- path: "**"
  user: "*"
  permissions: ["write", "create"]
`),
	}
	dec := Resolve("bob@example.com", "alice@openmined.org/inbox/x.txt", files)
	assert.False(t, dec.Write, "write without read must not be granted")
	assert.False(t, dec.Create)
}

func TestDeeperFileOverridesShallower(t *testing.T) {
	shallow := mustFile(t, "alice@openmined.org", `
- path: "**"
  user: "*"
  permissions: ["read"]
`)
	deep := mustFile(t, "alice@openmined.org/locked", `
- path: "**"
  user: "*"
  type: disallow
  permissions: ["read"]
`)
	dec := Resolve("bob@example.com", "alice@openmined.org/locked/x.txt", []*File{shallow, deep})
	assert.False(t, dec.Read, "deeper disallow must win over shallower allow")
}

func TestAddingDeeperAllowNeverWeakensPermission(t *testing.T) {
	// Adding a permission file deeper in the tree with allow=true for a
	// matched user must never weaken what the shallower rule alone grants.
	base := []*File{mustFile(t, "alice@openmined.org/shared", `
- path: "**"
  user: "*"
  permissions: ["read"]
`)}
	before := Resolve("bob@example.com", "alice@openmined.org/shared/x.txt", base)
	require.True(t, before.Read)

	deeper := mustFile(t, "alice@openmined.org/shared/more", `
- path: "**"
  user: "*"
  permissions: ["read", "write"]
`)
	after := Resolve("bob@example.com", "alice@openmined.org/shared/more/x.txt", append(base, deeper))
	assert.True(t, after.Read)
	assert.True(t, after.Write)
}

func TestLaterRuleInSameFileOverridesEarlier(t *testing.T) {
	f := mustFile(t, "alice@openmined.org", `
- path: "**"
  user: "*"
  permissions: ["read"]
- path: "secrets/**"
  user: "*"
  type: disallow
  permissions: ["read"]
`)
	dec := Resolve("bob@example.com", "alice@openmined.org/secrets/x.txt", []*File{f})
	assert.False(t, dec.Read)

	decOther := Resolve("bob@example.com", "alice@openmined.org/public/x.txt", []*File{f})
	assert.True(t, decOther.Read)
}

func TestAdminImpliesAllOtherPermissions(t *testing.T) {
	f := mustFile(t, "alice@openmined.org", `
- path: "**"
  user: "bob@example.com"
  permissions: ["admin"]
`)
	dec := Resolve("bob@example.com", "alice@openmined.org/x.txt", []*File{f})
	assert.True(t, dec.Admin)
	assert.True(t, dec.Read)
	assert.True(t, dec.Write)
	assert.True(t, dec.Create)
}

func TestPermissionFileRequiresAdminToCreateOrWrite(t *testing.T) {
	f := mustFile(t, "alice@openmined.org", `
- path: "**"
  user: "*"
  permissions: ["read", "write", "create"]
`)
	dec := Resolve("bob@example.com", "alice@openmined.org/"+FileName, []*File{f})
	assert.False(t, dec.Write)
	assert.False(t, dec.Create)
}

func TestUseremailTokenBindsToQueriedUser(t *testing.T) {
	f := mustFile(t, "shared", `
- path: "{useremail}/*"
  user: "*"
  permissions: ["read"]
`)
	dec := Resolve("bob@example.com", "shared/bob@example.com/x.txt", []*File{f})
	assert.True(t, dec.Read)

	decOther := Resolve("carol@example.com", "shared/bob@example.com/x.txt", []*File{f})
	assert.False(t, decOther.Read)
}

func TestParseRejectsEscapingPath(t *testing.T) {
	_, err := ParseFile(".", []byte(`
- path: "../escape/**"
  user: "*"
  permissions: ["read"]
`))
	require.Error(t, err)
}

func TestEngineAncestorResolution(t *testing.T) {
	e := NewEngine()
	e.Put(mustFile(t, "alice@openmined.org", `
- path: "**"
  user: "*"
  permissions: ["read"]
`))
	e.Put(mustFile(t, "alice@openmined.org/locked", `
- path: "**"
  user: "*"
  type: disallow
  permissions: ["read"]
`))

	assert.True(t, e.HasPermission("bob@example.com", "alice@openmined.org/public.txt", Read))
	assert.False(t, e.HasPermission("bob@example.com", "alice@openmined.org/locked/secret.txt", Read))

	assert.True(t, e.Remove("alice@openmined.org/locked"))
	assert.True(t, e.HasPermission("bob@example.com", "alice@openmined.org/locked/secret.txt", Read))
}
