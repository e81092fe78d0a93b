// Package target resolves a TargetSpec against a registry snapshot.
// Resolution is a pure set computation: callers pass the online minions
// they saw at dispatch time, and get back the matching IDs, sorted.
package target

import (
	"fmt"
	"path"
	"strings"

	"github.com/ohler55/ojg/jp"

	"yqhp/dispatch-engine/pkg/types"
	"yqhp/dispatch-engine/pkg/util"
)

// Resolve returns the IDs of the minions the spec selects, deduplicated and
// in snapshot order. An unknown kind or a malformed expression resolves to
// the empty set; the dispatcher records such jobs as complete with zero
// minions.
func Resolve(spec types.TargetSpec, minions []*types.MinionInfo) []string {
	var ids []string
	switch spec.Kind {
	case types.TargetAll:
		for _, m := range minions {
			ids = append(ids, m.ID)
		}
	case types.TargetGlob:
		for _, m := range minions {
			if ok, err := path.Match(spec.Expr, m.ID); err == nil && ok {
				ids = append(ids, m.ID)
			}
		}
	case types.TargetList:
		for _, m := range minions {
			if util.SliceContains(spec.List, m.ID) {
				ids = append(ids, m.ID)
			}
		}
	case types.TargetGrain:
		pathExpr, want, ok := splitGrainExpr(spec.Expr)
		if !ok {
			return nil
		}
		x, err := jp.ParseString(pathExpr)
		if err != nil {
			return nil
		}
		for _, m := range minions {
			if grainMatches(x, m.Grains, want) {
				ids = append(ids, m.ID)
			}
		}
	}
	return util.SliceUnique(ids)
}

// splitGrainExpr splits path:value and normalizes dotted paths to JSONPath.
func splitGrainExpr(expr string) (string, string, bool) {
	pathExpr, want, ok := strings.Cut(expr, ":")
	if !ok || pathExpr == "" {
		return "", "", false
	}
	if !strings.HasPrefix(pathExpr, "$") {
		pathExpr = "$." + pathExpr
	}
	return pathExpr, want, true
}

// grainMatches evaluates the parsed path against one minion's grains. A
// list-valued grain matches when any element does; scalar values match by
// glob so role:web* selects both web and webserver.
func grainMatches(x jp.Expr, grains map[string]interface{}, want string) bool {
	if len(grains) == 0 {
		return false
	}
	for _, got := range x.Get(grains) {
		if list, ok := got.([]interface{}); ok {
			for _, item := range list {
				if valueMatches(item, want) {
					return true
				}
			}
			continue
		}
		if valueMatches(got, want) {
			return true
		}
	}
	return false
}

func valueMatches(got interface{}, want string) bool {
	s, ok := got.(string)
	if !ok {
		s = fmt.Sprint(got)
	}
	if ok, err := path.Match(want, s); err == nil && ok {
		return true
	}
	return s == want
}
