package kpathcore

// PredicateOp is the comparison a Predicate leaf performs against a
// principal attribute.
type PredicateOp string

const (
	OpEquals     PredicateOp = "eq"
	OpIn         PredicateOp = "in"
	OpGreater    PredicateOp = "gt"
	OpGreaterEq  PredicateOp = "gte"
	OpLess       PredicateOp = "lt"
	OpLessEq     PredicateOp = "lte"
)

// BoolOp combines child predicates.
type BoolOp string

const (
	BoolAnd BoolOp = "and"
	BoolOr  BoolOp = "or"
	BoolNot BoolOp = "not"
)

// Predicate is a small boolean-expression AST over principal
// attributes, compiled once when a VisibilityPolicy is written and
// evaluated cheaply per query by the policy evaluator. It is a leaf
// (Attribute/Op/Value set) or an interior node (BoolOp/Children set),
// never both.
type Predicate struct {
	// Leaf fields.
	Attribute string      `json:"attribute,omitempty"`
	Op        PredicateOp `json:"op,omitempty"`
	Value     any         `json:"value,omitempty"` // scalar for eq/gt/gte/lt/lte, []any for in

	// Interior node fields.
	Bool     BoolOp       `json:"bool,omitempty"`
	Children []*Predicate `json:"children,omitempty"`
}

// IsLeaf reports whether this node compares a single attribute rather
// than combining child predicates.
func (p *Predicate) IsLeaf() bool {
	return p != nil && p.Bool == ""
}
