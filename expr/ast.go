package expr

import (
	"fmt"
	"strings"
)

// Node is the interface implemented by all parsed expression nodes.
type Node interface {
	node()
	String() string
}

// LiteralNode holds a constant: numbers, strings, booleans, null and
// undefined (both represented as nil).
type LiteralNode struct {
	Value interface{}
}

func (n *LiteralNode) node() {}
func (n *LiteralNode) String() string {
	if n.Value == nil {
		return "null"
	}
	if s, ok := n.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", n.Value)
}

// IdentifierNode references a name in the evaluation context.
type IdentifierNode struct {
	Name string
}

func (n *IdentifierNode) node()          {}
func (n *IdentifierNode) String() string { return n.Name }

// MemberNode is dot property access.
type MemberNode struct {
	Object   Node
	Property string
}

func (n *MemberNode) node()          {}
func (n *MemberNode) String() string { return fmt.Sprintf("%s.%s", n.Object, n.Property) }

// IndexNode is computed member access.
type IndexNode struct {
	Object Node
	Index  Node
}

func (n *IndexNode) node()          {}
func (n *IndexNode) String() string { return fmt.Sprintf("%s[%s]", n.Object, n.Index) }

// CallNode is a call expression. Calls parse but are rejected when evaluated;
// schema expressions are data, not programs.
type CallNode struct {
	Callee Node
	Args   []Node
}

func (n *CallNode) node() {}
func (n *CallNode) String() string {
	args := make([]string, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.String()
	}
	return fmt.Sprintf("%s(%s)", n.Callee, strings.Join(args, ", "))
}

// UnaryNode applies a prefix operator.
type UnaryNode struct {
	Op      string
	Operand Node
}

func (n *UnaryNode) node() {}
func (n *UnaryNode) String() string {
	if n.Op == "typeof" {
		return fmt.Sprintf("(typeof %s)", n.Operand)
	}
	return fmt.Sprintf("(%s%s)", n.Op, n.Operand)
}

// BinaryNode applies an arithmetic, comparison or equality operator.
type BinaryNode struct {
	Op    string
	Left  Node
	Right Node
}

func (n *BinaryNode) node()          {}
func (n *BinaryNode) String() string { return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right) }

// LogicalNode applies a short-circuit operator. The right side only runs
// when the left side does not decide the result.
type LogicalNode struct {
	Op    string
	Left  Node
	Right Node
}

func (n *LogicalNode) node()          {}
func (n *LogicalNode) String() string { return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right) }

// ConditionalNode is the ternary operator. Only the taken branch is
// evaluated.
type ConditionalNode struct {
	Test       Node
	Consequent Node
	Alternate  Node
}

func (n *ConditionalNode) node() {}
func (n *ConditionalNode) String() string {
	return fmt.Sprintf("(%s ? %s : %s)", n.Test, n.Consequent, n.Alternate)
}

// ArrayNode is an array literal. Nil elements mark elisions.
type ArrayNode struct {
	Elements []Node
}

func (n *ArrayNode) node() {}
func (n *ArrayNode) String() string {
	parts := make([]string, len(n.Elements))
	for i, el := range n.Elements {
		if el == nil {
			continue
		}
		parts[i] = el.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// SequenceNode evaluates expressions in order and yields the last result.
type SequenceNode struct {
	Exprs []Node
}

func (n *SequenceNode) node() {}
func (n *SequenceNode) String() string {
	parts := make([]string, len(n.Exprs))
	for i, e := range n.Exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}
