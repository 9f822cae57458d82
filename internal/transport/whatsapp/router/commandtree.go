package router

import (
	"sort"
	"strings"
)

// cmdNode is one token of the registered command tree. Leaves carry a
// command; interior nodes are groups ("broadcast" above "broadcast
// stats"). SetRegistry rebuilds the whole tree and swaps it in, so
// nodes are never mutated after publish and reads need no lock of
// their own.
type cmdNode struct {
	cmd      *Command
	children map[string]*cmdNode
}

func newCmdTree() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

// routeTokens splits a space-separated route ("broadcast stats") into
// its traversal tokens.
func routeTokens(route string) []string {
	return strings.Fields(route)
}

// insert walks the route, creating group nodes as needed, and returns
// the leaf now holding the command. Registering the same route twice
// keeps the later command.
func (n *cmdNode) insert(route []string, c Command) *cmdNode {
	for _, tok := range route {
		next, ok := n.children[tok]
		if !ok {
			next = &cmdNode{children: map[string]*cmdNode{}}
			n.children[tok] = next
		}
		n = next
	}
	n.cmd = &c
	return n
}

func (n *cmdNode) child(tok string) (*cmdNode, bool) {
	c, ok := n.children[tok]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	out := make([]string, 0, len(n.children))
	for tok := range n.children {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
