package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-entity-lab/model"
	"github.com/goliatone/go-entity-lab/persistence"
)

func TestLoadFixture(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")
	testContent := []byte("test fixture content")

	require.NoError(t, os.WriteFile(testFile, testContent, 0o644))

	assert.Equal(t, testContent, LoadFixture(t, testFile))
}

func TestLoadFixtureJSON(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.json")
	require.NoError(t, os.WriteFile(testFile, []byte(`{"last_name":"Kim","age":15}`), 0o644))

	var got model.Customer
	LoadFixtureJSON(t, testFile, &got)

	assert.Equal(t, "Kim", got.LastName)
	assert.Equal(t, 15, got.Age)
}

func TestCompareWithGolden_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "out.txt")

	CompareWithGolden(t, path, []byte("first"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	// second run compares against what the first wrote
	CompareWithGolden(t, path, []byte("first"))
}

func TestCompareWithGoldenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")

	summaries := []model.CustomerSummary{{LastName: "Lee", Age: 25}}
	CompareWithGoldenJSON(t, path, summaries)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"last_name":"Lee","age":25}]`, string(data))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("testdata", "seed.json"), FixturePath("seed.json"))
	assert.Equal(t, filepath.Join("testdata", "golden", "out.txt"), GoldenPath("out.txt"))
}

func TestOpenUnit_SeedsSchema(t *testing.T) {
	f, recorder := OpenUnit(t, nil)

	assert.True(t, f.IsOpen())
	assert.Equal(t, "test", f.Unit().Name)
	assert.Zero(t, recorder.Count(""), "seeding is not recorded")

	ctx := context.Background()
	n, err := f.DB().NewSelect().Model((*model.Customer)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.DB().NewSelect().Model((*model.ItemCategory)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Contains(t, f.NamedQueries(), model.NamedCustomerByID)
	assert.Contains(t, f.NamedQueries(), model.NamedCustomerAgeByID)
}

func TestOpenUnit_Configure(t *testing.T) {
	f, _ := OpenUnit(t, func(u *persistence.Unit) {
		u.SecondLevelCache = false
		u.QueryCache = false
	})

	assert.False(t, f.Cache().Enabled())
}

func TestBegin(t *testing.T) {
	f, _ := OpenUnit(t, nil)

	em := Begin(t, f)
	assert.True(t, em.GetTransaction().IsActive())
	assert.True(t, em.IsOpen())
}
