package wml

import "strconv"

// Reserved child names used by diff documents.
const (
	diffInsert      = "insert"
	diffDelete      = "delete"
	diffChangeChild = "change_child"
	diffInsertChild = "insert_child"
	diffDeleteChild = "delete_child"
)

// Diff computes a minimal transformation from a to b. Applying the result
// to a document equal to a yields b: attribute inserts/deletes at each
// level, and positional change/insert/delete operations on same-named
// child lists, each carrying an index attribute. Because child positions
// are addressed per tag name, only each name's list converges; a global
// reordering of differently named siblings is not expressible.
func Diff(a, b *Document, reg *Registry) *Document {
	out := New(reg)
	diffNodes(&a.root, &b.root, &out.root)
	return out
}

func diffNodes(a, b, out *Node) {
	var ins *Node
	for _, attr := range b.attrs {
		if v, ok := a.Attr(attr.Key); !ok || v != attr.Value {
			if ins == nil {
				ins = out.AddChild(diffInsert)
			}
			ins.SetAttr(attr.Key, attr.Value)
		}
	}
	var del *Node
	for _, attr := range a.attrs {
		if _, ok := b.Attr(attr.Key); !ok {
			if del == nil {
				del = out.AddChild(diffDelete)
			}
			del.SetAttr(attr.Key, "")
		}
	}

	for _, name := range childNameUnion(b, a) {
		al := a.Children(name)
		bl := b.Children(name)
		n := len(al)
		if len(bl) < n {
			n = len(bl)
		}
		for i := 0; i < n; i++ {
			if al[i].Equal(bl[i]) {
				continue
			}
			op := out.AddChild(diffChangeChild)
			op.SetAttr("index", strconv.Itoa(i))
			diffNodes(al[i], bl[i], op.AddChild(name))
		}
		for i := n; i < len(bl); i++ {
			op := out.AddChild(diffInsertChild)
			op.SetAttr("index", strconv.Itoa(i))
			copyInto(bl[i], op.AddChild(name))
		}
		// Extra children in a all collapse onto the same index as the
		// list shrinks during application.
		for i := len(al); i > len(bl); i-- {
			op := out.AddChild(diffDeleteChild)
			op.SetAttr("index", strconv.Itoa(len(bl)))
			op.AddChild(name)
		}
	}
}

// childNameUnion lists child names of primary in first-seen order,
// followed by names present only in secondary.
func childNameUnion(primary, secondary *Node) []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range primary.order {
		if !seen[c.name] {
			seen[c.name] = true
			names = append(names, c.name)
		}
	}
	for _, c := range secondary.order {
		if !seen[c.name] {
			seen[c.name] = true
			names = append(names, c.name)
		}
	}
	return names
}

// ApplyDiff mutates base in place per the operations in diff. Out-of-range
// child indices are ignored rather than failing the whole diff, so a
// malformed diff degrades instead of crashing the session.
func ApplyDiff(base, diff *Document) {
	applyDiffNode(&base.root, &diff.root)
}

func applyDiffNode(n, diff *Node) {
	for _, op := range diff.order {
		switch op.name {
		case diffInsert:
			for _, a := range op.attrs {
				n.SetAttr(a.Key, a.Value)
			}
		case diffDelete:
			for _, a := range op.attrs {
				n.RemoveAttr(a.Key)
			}
		case diffChangeChild:
			i := opIndex(op)
			for _, inner := range op.order {
				list := n.Children(inner.name)
				if i < 0 || i >= len(list) {
					continue
				}
				applyDiffNode(list[i], inner)
			}
		case diffInsertChild:
			i := opIndex(op)
			for _, inner := range op.order {
				copyInto(inner, n.InsertChild(inner.name, i))
			}
		case diffDeleteChild:
			i := opIndex(op)
			for _, inner := range op.order {
				n.RemoveChild(inner.name, i)
			}
		}
	}
}

func opIndex(op *Node) int {
	i, err := strconv.Atoi(op.AttrOr("index", "0"))
	if err != nil {
		return 0
	}
	return i
}
