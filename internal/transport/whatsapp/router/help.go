package router

import (
	"sort"
	"strings"
)

// helpText renders plain-text help. WhatsApp has no rich parse mode, so
// the layout leans on asterisk bold and monospace-free lines.
func (m *CommandManager) helpText(path []string, prefix string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	// Walk to requested node.
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			// maybe it's an alias
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = routeTokens(leaf.cmd.Route)
				break
			}
			return "unknown command. try " + prefix + "help"
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return m.helpTop(root, prefix)
	}
	return m.helpNode(cur, full, prefix)
}

type topRow struct {
	name string
	desc string
	lock bool
}

func (m *CommandManager) helpTop(root *cmdNode, prefix string) string {
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		rows = append(rows, topRow{
			name: name,
			desc: summarizeNodeDesc(n),
			lock: nodeIsOwnerOnly(n),
		})
	}
	// Owner-only commands go to the bottom, alphabetical within groups.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock && rows[j].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"*Commands*",
		"Type " + prefix + "help <cmd> for details.",
		"",
	}
	for _, r := range rows {
		suffix := ""
		if r.desc != "" {
			suffix = " - " + r.desc
		}
		bullet := "* "
		if r.lock {
			bullet = "* [owner] "
		}
		lines = append(lines, bullet+prefix+r.name+suffix)
	}
	return strings.Join(filterEmpty(lines), "\n")
}

func (m *CommandManager) helpNode(cur *cmdNode, full []string, prefix string) string {
	title := prefix + strings.Join(full, " ")
	lines := []string{"*Help* " + title}

	if cur != nil && cur.cmd != nil {
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, d)
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "[owner only]")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "Usage: "+u)
		}
		if len(c.Aliases) > 0 {
			short := make([]string, 0, len(c.Aliases))
			for _, a := range c.Aliases {
				a = strings.TrimSpace(a)
				if a != "" && !strings.Contains(a, " ") {
					short = append(short, prefix+a)
				}
			}
			if len(short) > 0 {
				sort.Strings(short)
				lines = append(lines, "Aliases: "+strings.Join(short, ", "))
			}
		}
	} else {
		lines = append(lines, "Command group (has subcommands).")
		if nodeIsOwnerOnly(cur) {
			lines = append(lines, "[owner only]")
		}
	}

	if cur != nil && len(cur.children) > 0 {
		lines = append(lines, "", "Subcommands:")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			if n == nil {
				continue
			}
			path := append(append([]string(nil), full...), name)
			suffix := ""
			if d := summarizeNodeDesc(n); d != "" {
				suffix = " - " + d
			}
			bullet := "* "
			if nodeIsOwnerOnly(n) {
				bullet = "* [owner] "
			}
			lines = append(lines, bullet+prefix+strings.Join(path, " ")+suffix)
		}
	}

	return strings.Join(filterEmpty(lines), "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	if len(n.children) == 0 {
		return ""
	}

	// For groups, show the first few subcommands as a hint.
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	max := 3
	if len(kids) < max {
		max = len(kids)
	}
	s := strings.Join(kids[:max], ", ")
	if len(kids) > max {
		s += ", ..."
	}
	return "subcommand: " + s
}

func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	// A group is owner-only when every descendant is.
	ownerOnly := true
	var walk func(x *cmdNode)
	walk = func(x *cmdNode) {
		if x == nil || !ownerOnly {
			return
		}
		if x.cmd != nil && x.cmd.Access == AccessEveryone {
			ownerOnly = false
			return
		}
		for _, ch := range x.children {
			walk(ch)
			if !ownerOnly {
				return
			}
		}
	}
	walk(n)
	return ownerOnly
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for i, s := range in {
		if strings.TrimSpace(s) == "" && (i == 0 || i == len(in)-1) {
			continue
		}
		out = append(out, s)
	}
	return out
}
