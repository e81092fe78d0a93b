package types

// TargetKind defines how a target expression is matched against minions.
type TargetKind string

const (
	// TargetGlob matches minion IDs against a shell glob.
	TargetGlob TargetKind = "glob"
	// TargetList matches an explicit minion ID list.
	TargetList TargetKind = "list"
	// TargetGrain matches registered grains, path:value with JSONPath paths.
	TargetGrain TargetKind = "grain"
	// TargetAll matches every registered minion.
	TargetAll TargetKind = "all"
)

// TargetSpec selects the minions a job fans out to. Resolution happens once,
// against a registry snapshot taken at dispatch time.
type TargetSpec struct {
	Kind TargetKind `json:"kind" yaml:"kind" msgpack:"kind"`
	// Expr holds the glob for TargetGlob and the path:value pair for
	// TargetGrain. Ignored for other kinds.
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty" msgpack:"expr,omitempty"`
	// List holds the explicit IDs for TargetList.
	List []string `json:"list,omitempty" yaml:"list,omitempty" msgpack:"list,omitempty"`
}

// AllMinions targets every registered minion.
func AllMinions() TargetSpec {
	return TargetSpec{Kind: TargetAll}
}

// GlobTarget targets minion IDs matching pattern.
func GlobTarget(pattern string) TargetSpec {
	return TargetSpec{Kind: TargetGlob, Expr: pattern}
}

// ListTarget targets the given minion IDs.
func ListTarget(ids ...string) TargetSpec {
	return TargetSpec{Kind: TargetList, List: ids}
}

// GrainTarget targets minions whose grains match expr (path:value).
func GrainTarget(expr string) TargetSpec {
	return TargetSpec{Kind: TargetGrain, Expr: expr}
}
