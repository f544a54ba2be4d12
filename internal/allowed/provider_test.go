package allowed_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ksunden/bluesky-queueserver/internal/allowed"
	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/models"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[groups.primary]
plans = ["scan", "count"]
devices = ["det1", "det2"]

[groups.primary.plan_schemas.scan]
required = ["detector"]
optional = ["num_points"]
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "allowed.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFileProvider_ValidatePlan(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	p, err := allowed.NewFileProvider(common.NewSilentLogger(), path)
	require.NoError(t, err)

	plans, err := p.AllowedPlans("primary")
	require.NoError(t, err)
	require.True(t, plans["scan"])
	require.False(t, plans["unknown"])

	ok := models.Item{ItemType: models.ItemTypePlan, Name: "scan", UserGroup: "primary", Kwargs: map[string]any{"detector": "det1"}}
	require.NoError(t, p.Validate(ok))

	missingRequired := models.Item{ItemType: models.ItemTypePlan, Name: "scan", UserGroup: "primary", Kwargs: map[string]any{}}
	err = p.Validate(missingRequired)
	require.Error(t, err)
	require.Equal(t, apierr.KindValidation, apierr.KindOf(err))

	extraArg := models.Item{ItemType: models.ItemTypePlan, Name: "scan", UserGroup: "primary", Kwargs: map[string]any{"detector": "det1", "bogus": 1}}
	err = p.Validate(extraArg)
	require.Error(t, err)

	notAllowed := models.Item{ItemType: models.ItemTypePlan, Name: "not_a_plan", UserGroup: "primary"}
	err = p.Validate(notAllowed)
	require.Error(t, err)

	unknownGroup := models.Item{ItemType: models.ItemTypePlan, Name: "scan", UserGroup: "nobody"}
	err = p.Validate(unknownGroup)
	require.Error(t, err)
	require.Equal(t, apierr.KindReference, apierr.KindOf(err))
}

func TestFileProvider_ValidateInstruction(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	p, err := allowed.NewFileProvider(common.NewSilentLogger(), path)
	require.NoError(t, err)

	require.NoError(t, p.Validate(models.Item{ItemType: models.ItemTypeInstruction, Name: models.InstructionQueueStop}))

	err = p.Validate(models.Item{ItemType: models.ItemTypeInstruction, Name: "bogus"})
	require.Error(t, err)
}

func TestFileProvider_ValidateUnsupportedItemType(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	p, err := allowed.NewFileProvider(common.NewSilentLogger(), path)
	require.NoError(t, err)

	err = p.Validate(models.Item{ItemType: "bogus_type", Name: "scan", UserGroup: "primary"})
	require.Error(t, err)
	require.Equal(t, apierr.KindValidation, apierr.KindOf(err))
}

func TestFileProvider_PermissionsReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	p, err := allowed.NewFileProvider(common.NewSilentLogger(), path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
[groups.primary]
plans = ["count"]
devices = []
`), 0o644))
	require.NoError(t, p.PermissionsReload())

	plans, err := p.AllowedPlans("primary")
	require.NoError(t, err)
	require.False(t, plans["scan"])
	require.True(t, plans["count"])
}
