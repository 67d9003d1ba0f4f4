package goal

import (
	"fmt"
	"strings"

	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

// Node is a goal with its children attached.
type Node struct {
	models.Goal
	Children []*Node `json:"children,omitempty"`
}

// Tree returns the room's goals as a forest of root nodes. Goals whose
// parent no longer exists are treated as roots.
func Tree(gdb *gorm.DB, roomID string) ([]*Node, error) {
	goals, err := List(gdb, roomID)
	if err != nil {
		return nil, err
	}
	return BuildTree(goals), nil
}

// BuildTree arranges goals into a forest, preserving input order among
// siblings.
func BuildTree(goals []models.Goal) []*Node {
	nodes := make(map[string]*Node, len(goals))
	for _, g := range goals {
		nodes[g.ID] = &Node{Goal: g}
	}
	var roots []*Node
	for _, g := range goals {
		n := nodes[g.ID]
		if g.ParentID != nil {
			if parent, ok := nodes[*g.ParentID]; ok {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots
}

// Render writes the forest as an indented outline.
func Render(roots []*Node) string {
	var b strings.Builder
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		fmt.Fprintf(&b, "%s- [%s] %s (%s, %.0f%%)", strings.Repeat("  ", depth), n.ID, n.Description, n.Status, n.Progress*100)
		if n.MetricValue != nil {
			fmt.Fprintf(&b, " metric=%g", *n.MetricValue)
		}
		b.WriteString("\n")
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return b.String()
}
