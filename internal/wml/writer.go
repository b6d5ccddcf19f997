package wml

import "strings"

// Serialize renders the document as canonical text: attributes in key
// order, children in true document order, one element per line. The
// output re-parses to an identical tree.
func (d *Document) Serialize() string {
	var sb strings.Builder
	writeNode(&sb, &d.root, 0)
	return sb.String()
}

func writeNode(sb *strings.Builder, n *Node, depth int) {
	for _, a := range n.attrs {
		indent(sb, depth)
		sb.WriteString(a.Key)
		sb.WriteString("=\"")
		writeEscaped(sb, a.Value)
		sb.WriteString("\"\n")
	}
	for _, c := range n.order {
		indent(sb, depth)
		sb.WriteByte('[')
		sb.WriteString(c.name)
		sb.WriteString("]\n")
		writeNode(sb, c, depth+1)
		indent(sb, depth)
		sb.WriteString("[/")
		sb.WriteString(c.name)
		sb.WriteString("]\n")
	}
}

func indent(sb *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		sb.WriteByte('\t')
	}
}

func writeEscaped(sb *strings.Builder, v string) {
	for {
		i := strings.IndexByte(v, '"')
		if i < 0 {
			sb.WriteString(v)
			return
		}
		sb.WriteString(v[:i+1])
		sb.WriteByte('"')
		v = v[i+1:]
	}
}
