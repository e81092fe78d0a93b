package target

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"yqhp/dispatch-engine/pkg/types"
)

func fleet() []*types.MinionInfo {
	return []*types.MinionInfo{
		{ID: "web-1", Grains: map[string]interface{}{
			"os": "linux", "role": "web",
			"net": map[string]interface{}{"dc": "cn-east"},
			"env": []interface{}{"staging", "prod"},
		}},
		{ID: "web-2", Grains: map[string]interface{}{
			"os": "linux", "role": "webserver",
			"net": map[string]interface{}{"dc": "cn-west"},
		}},
		{ID: "db-1", Grains: map[string]interface{}{
			"os": "linux", "role": "db", "cpus": 8,
		}},
		{ID: "win-1", Grains: nil},
	}
}

func TestResolveAll(t *testing.T) {
	ids := Resolve(types.AllMinions(), fleet())
	assert.Equal(t, []string{"web-1", "web-2", "db-1", "win-1"}, ids)
}

func TestResolveGlob(t *testing.T) {
	ids := Resolve(types.GlobTarget("web-*"), fleet())
	assert.Equal(t, []string{"web-1", "web-2"}, ids)

	assert.Empty(t, Resolve(types.GlobTarget("cache-*"), fleet()))
	// malformed pattern resolves to nothing instead of erroring
	assert.Empty(t, Resolve(types.GlobTarget("web-["), fleet()))
}

func TestResolveList(t *testing.T) {
	ids := Resolve(types.ListTarget("db-1", "ghost", "web-1", "db-1"), fleet())
	assert.Equal(t, []string{"web-1", "db-1"}, ids)
}

func TestResolveGrainScalar(t *testing.T) {
	ids := Resolve(types.GrainTarget("role:db"), fleet())
	assert.Equal(t, []string{"db-1"}, ids)
}

func TestResolveGrainGlobValue(t *testing.T) {
	ids := Resolve(types.GrainTarget("role:web*"), fleet())
	assert.Equal(t, []string{"web-1", "web-2"}, ids)
}

func TestResolveGrainNestedPath(t *testing.T) {
	ids := Resolve(types.GrainTarget("net.dc:cn-east"), fleet())
	assert.Equal(t, []string{"web-1"}, ids)

	// explicit JSONPath form works the same
	ids = Resolve(types.GrainTarget("$.net.dc:cn-west"), fleet())
	assert.Equal(t, []string{"web-2"}, ids)
}

func TestResolveGrainListElement(t *testing.T) {
	ids := Resolve(types.GrainTarget("env:prod"), fleet())
	assert.Equal(t, []string{"web-1"}, ids)
}

func TestResolveGrainNonString(t *testing.T) {
	ids := Resolve(types.GrainTarget("cpus:8"), fleet())
	assert.Equal(t, []string{"db-1"}, ids)
}

func TestResolveGrainMalformed(t *testing.T) {
	assert.Empty(t, Resolve(types.GrainTarget("no-separator"), fleet()))
	assert.Empty(t, Resolve(types.GrainTarget(":value"), fleet()))
	assert.Empty(t, Resolve(types.GrainTarget("$.[broken:x"), fleet()))
}

func TestResolveUnknownKind(t *testing.T) {
	assert.Empty(t, Resolve(types.TargetSpec{Kind: "pcre", Expr: ".*"}, fleet()))
}
