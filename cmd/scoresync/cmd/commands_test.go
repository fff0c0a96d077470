package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/search"
	"github.com/Aman-CERP/scoresync/internal/ui"
)

func statusOf(t *testing.T, d *testDeployment) ui.StatusInfo {
	t.Helper()
	out, err := d.execute(t, "status", "--json")
	require.NoError(t, err)
	var info ui.StatusInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info), out)
	return info
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	// Given: the root command
	root := NewRootCmd()

	// When/Then: every worker and admin command is registered
	for _, name := range []string{"reindex", "run", "promote", "audit", "status", "search", "version"} {
		found, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, found.Name())
	}
}

func TestReindexCmd_FirstRunBecomesCurrent(t *testing.T) {
	// Given: ten packages, one of them withdrawn
	d := newTestDeployment(t, "v1")
	d.seed(t, 10)

	// When: reindexing with plain output
	out, err := d.execute(t, "reindex", "--plain")

	// Then: every row was scanned in chunks of three
	require.NoError(t, err)
	assert.Contains(t, out, "completed: 4 batches, 9 indexed, 1 deleted")
	assert.Contains(t, out, "Checkpoint: 10")

	// And: the schema claimed the alias
	info := statusOf(t, d)
	assert.Equal(t, "v1", info.Current)
	assert.Equal(t, []string{"v1"}, info.Active)
	require.Len(t, info.Indices, 1)
	assert.Equal(t, info.AliasTarget, info.Indices[0].Name)
	assert.Equal(t, "current", info.Indices[0].State)
	assert.Equal(t, uint64(9), info.Indices[0].Docs)
	assert.Equal(t, int64(10), info.Indices[0].LastCursor)
	assert.Empty(t, info.Findings)
}

func TestReindexCmd_SecondRunSkipsUnlessForced(t *testing.T) {
	// Given: a schema that was fully indexed
	d := newTestDeployment(t, "v1")
	d.seed(t, 6)
	_, err := d.execute(t, "reindex", "--plain")
	require.NoError(t, err)

	// When: reindexing again
	out, err := d.execute(t, "reindex", "--plain")

	// Then: nothing is rebuilt
	require.NoError(t, err)
	assert.Contains(t, out, "skipped")
	assert.Len(t, statusOf(t, d).Indices, 1)

	// When: forcing a rebuild
	out, err = d.execute(t, "reindex", "--plain", "--force")

	// Then: a new index takes over the alias and the old one is outdated
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	info := statusOf(t, d)
	require.Len(t, info.Indices, 2)
	states := map[string]string{}
	for _, idx := range info.Indices {
		states[idx.Name] = idx.State
	}
	assert.Equal(t, "current", states[info.AliasTarget])
	outdated := 0
	for _, s := range states {
		if s == "outdated" {
			outdated++
		}
	}
	assert.Equal(t, 1, outdated)
}

func TestReindexCmd_RequiresSchema(t *testing.T) {
	// Given: a deployment without a schema id
	d := newTestDeployment(t, "")

	// When: starting a worker
	_, err := d.execute(t, "reindex", "--plain")

	// Then: it fails before touching anything
	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeSchemaMissing, serrors.GetCode(err))
}

func TestPromoteCmd_RefusesInactiveSchema(t *testing.T) {
	// Given: an indexed v1 deployment
	d := newTestDeployment(t, "v1")
	d.seed(t, 3)
	_, err := d.execute(t, "reindex", "--plain")
	require.NoError(t, err)

	// When: promoting a schema no worker registered
	_, err = d.execute(t, "promote", "v2")

	// Then: it is refused and v1 stays current
	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeUnknownSchema, serrors.GetCode(err))
	assert.Equal(t, "v1", statusOf(t, d).Current)
}

func TestPromoteCmd_ForceThenAuditFails(t *testing.T) {
	// Given: an indexed v1 deployment
	d := newTestDeployment(t, "v1")
	d.seed(t, 3)
	_, err := d.execute(t, "reindex", "--plain")
	require.NoError(t, err)

	// When: forcing a promotion of a schema without an index
	out, err := d.execute(t, "promote", "v2", "--force")

	// Then: the current schema changes
	require.NoError(t, err)
	assert.Contains(t, out, "Promoted schema v2")
	assert.Equal(t, "v2", statusOf(t, d).Current)

	// And: the audit reports the inconsistency with a non-zero exit
	out, err = d.execute(t, "audit")
	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeInconsistentState, serrors.GetCode(err))
	assert.Contains(t, out, "✗")
}

func TestPromoteCmd_AlreadyCurrent(t *testing.T) {
	// Given: an indexed v1 deployment
	d := newTestDeployment(t, "v1")
	d.seed(t, 3)
	_, err := d.execute(t, "reindex", "--plain")
	require.NoError(t, err)

	// When: promoting the current schema
	out, err := d.execute(t, "promote", "v1")

	// Then: nothing changes
	require.NoError(t, err)
	assert.Contains(t, out, "already current")
}

func TestAuditCmd_EmptyDeploymentIsConsistent(t *testing.T) {
	// Given: a deployment nobody has indexed yet
	d := newTestDeployment(t, "")

	// When: auditing
	out, err := d.execute(t, "audit")

	// Then: there is nothing to report
	require.NoError(t, err)
	assert.Contains(t, out, "Alias scores is consistent")
}

func TestStatusCmd_EmptyDeployment(t *testing.T) {
	// Given: a deployment nobody has indexed yet
	d := newTestDeployment(t, "")

	// When: printing the status as text
	out, err := d.execute(t, "status", "--no-color")

	// Then: the alias is shown and no index is listed
	require.NoError(t, err)
	assert.Contains(t, out, "scores")

	info := statusOf(t, d)
	assert.Empty(t, info.Current)
	assert.Empty(t, info.Indices)
}

func TestRunCmd_RequiresBrokers(t *testing.T) {
	// Given: a deployment without Kafka brokers
	d := newTestDeployment(t, "v1")
	d.seed(t, 3)

	// When: starting a long-lived worker
	_, err := d.execute(t, "run", "--plain")

	// Then: the queue configuration is rejected before any work
	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeConfigInvalid, serrors.GetCode(err))
	assert.Empty(t, statusOf(t, d).Active)
}

func TestSearchCmd_QueriesTheAlias(t *testing.T) {
	// Given: ten packages indexed, one of them withdrawn
	d := newTestDeployment(t, "v1")
	d.seed(t, 10)
	_, err := d.execute(t, "reindex", "--plain")
	require.NoError(t, err)

	// When: listing everything behind the alias
	out, err := d.execute(t, "search", "--json", "--size", "20")

	// Then: every indexed package is visible and the withdrawn one is not
	require.NoError(t, err)
	var hits []search.Hit
	require.NoError(t, json.Unmarshal([]byte(out), &hits), out)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.Len(t, ids, 9)
	assert.NotContains(t, ids, "5")

	// When: limiting the result size in plain output
	out, err = d.execute(t, "search", "-n", "2")

	// Then: two hits are printed
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestSearchCmd_UnknownIndex(t *testing.T) {
	// Given: a deployment with no indexes
	d := newTestDeployment(t, "v1")
	d.seed(t, 1)

	// When: querying an index that does not exist
	_, err := d.execute(t, "search", "--index", "scores-v9-1")

	// Then: the command fails
	assert.Error(t, err)
}
