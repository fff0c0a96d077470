package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

func findingTypes(r *Report) []FindingType {
	var out []FindingType
	for _, f := range r.Findings {
		out = append(out, f.Type)
	}
	return out
}

func TestAudit_FlagsCurrentNotActive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.worker(t, "v1", false)
	_, err := a.coord.Register(ctx, a.index)
	require.NoError(t, err)

	// Given: a forced violation, the current schema was deregistered
	require.NoError(t, e.store.RemoveActive(ctx, "v1"))

	// When
	report, err := Audit(ctx, e.store, e.engine, e.meta, alias)
	require.NoError(t, err)

	// Then
	assert.False(t, report.OK())
	assert.Contains(t, findingTypes(report), FindingCurrentNotActive)
	require.Error(t, report.Err())
	assert.True(t, errors.Is(report.Err(), serrors.ErrInconsistent))
}

func TestAudit_FlagsCurrentWithoutIndex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.AddActive(ctx, "v7"))
	require.NoError(t, e.store.SetCurrent(ctx, "v7"))

	report, err := Audit(ctx, e.store, e.engine, e.meta, alias)
	require.NoError(t, err)

	assert.False(t, report.OK())
	assert.ElementsMatch(t, []FindingType{FindingCurrentIndexMissing, FindingActiveWithoutIndex}, findingTypes(report))
}

func TestAudit_PendingSwitchoverIsNotBlocking(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.worker(t, "v1", false)
	b := e.worker(t, "v2", false)
	_, err := a.coord.Register(ctx, a.index)
	require.NoError(t, err)
	_, err = b.coord.Register(ctx, b.index)
	require.NoError(t, err)

	// Given: v2 promoted but no worker has switched the alias yet
	require.NoError(t, e.store.SetCurrent(ctx, "v2"))

	report, err := Audit(ctx, e.store, e.engine, e.meta, alias)
	require.NoError(t, err)

	assert.True(t, report.OK())
	assert.Equal(t, []FindingType{FindingAliasMismatch}, findingTypes(report))
	assert.NoError(t, report.Err())
	assert.Equal(t, a.index.IndexName, report.AliasTarget)
	assert.Len(t, report.Indices, 2)
}

func TestAudit_FlagsClosedAliasTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.worker(t, "v1", false)
	_, err := a.coord.Register(ctx, a.index)
	require.NoError(t, err)

	require.NoError(t, e.engine.CloseIndex(ctx, a.index.IndexName))

	report, err := Audit(ctx, e.store, e.engine, e.meta, alias)
	require.NoError(t, err)
	assert.Contains(t, findingTypes(report), FindingAliasTargetClosed)
	assert.False(t, report.OK())
}

func TestAudit_EmptyDeploymentIsClean(t *testing.T) {
	e := newEnv(t)

	report, err := Audit(context.Background(), e.store, e.engine, e.meta, alias)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Empty(t, report.Findings)
}
