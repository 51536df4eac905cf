package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func meta(hash string) *FileMetadata { return &FileMetadata{Hash: hash} }

func TestDecisionMatrix(t *testing.T) {
	cases := []struct {
		name     string
		l, p, r  *FileMetadata
		expected Action
	}{
		{"new local file", meta("a"), nil, nil, CreateRemote},
		{"deleted remotely, never touched locally", nil, meta("a"), meta("a"), DeleteLocal},
		{"deleted remotely, local unchanged", meta("a"), meta("a"), nil, DeleteRemote},
		{"deleted remotely, local changed wins", meta("b"), meta("a"), nil, CreateRemote},
		{"both deleted", nil, meta("a"), nil, NOOP},
		{"new remote file", nil, nil, meta("a"), CreateLocal},
		{"local untracked, remote exists", meta("a"), nil, meta("b"), ModifyLocal},
		{"all in sync", meta("a"), meta("a"), meta("a"), NOOP},
		{"remote changed only", meta("a"), meta("a"), meta("b"), ModifyLocal},
		{"local changed only", meta("b"), meta("a"), meta("a"), ModifyRemote},
		{"conflict, remote wins", meta("b"), meta("a"), meta("c"), ModifyLocal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, decide(tc.l, tc.p, tc.r))
		})
	}
}
