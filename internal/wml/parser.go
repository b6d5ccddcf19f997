package wml

import (
	"fmt"
	"strings"
)

// Parse reads document text into a tree. The input buffer is retained by
// the resulting document; node names and attribute values alias it.
//
// Grammar: [name] opens a child, [/name] closes it, key="value" sets an
// attribute, # starts a comment to end of line. Quoted values escape an
// embedded quote by doubling it and may continue across lines with a
// trailing + after the closing quote. Attributes within one node must
// appear in strictly ascending key order.
func Parse(text []byte, reg *Registry) (*Document, error) {
	d := New(reg)
	d.buffers = append(d.buffers, text)
	p := &parser{src: string(text), line: 1}
	if err := p.run(&d.root); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// ParseString is Parse over a string input.
func ParseString(text string, reg *Registry) (*Document, error) {
	return Parse([]byte(text), reg)
}

type parser struct {
	src  string
	pos  int
	line int
}

type frame struct {
	node    *Node
	lastKey string
	hasKey  bool
}

func (p *parser) run(root *Node) error {
	stack := []frame{{node: root}}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			if len(stack) > 1 {
				return fmt.Errorf("line %d: unterminated [%s]: %w", p.line, stack[len(stack)-1].node.name, ErrTruncatedDocument)
			}
			return nil
		}
		switch p.src[p.pos] {
		case '#':
			p.skipLine()
		case '[':
			name, closing, err := p.readTag()
			if err != nil {
				return err
			}
			if closing {
				top := stack[len(stack)-1]
				if len(stack) == 1 || top.node.name != name {
					return fmt.Errorf("line %d: unexpected [/%s]: %w", p.line, name, ErrInvalidToken)
				}
				stack = stack[:len(stack)-1]
			} else {
				child := stack[len(stack)-1].node.AddChild(name)
				stack = append(stack, frame{node: child})
			}
		default:
			key, value, err := p.readAttribute()
			if err != nil {
				return err
			}
			top := &stack[len(stack)-1]
			if top.hasKey && key <= top.lastKey {
				return fmt.Errorf("line %d: attribute %q after %q: %w", p.line, key, top.lastKey, ErrAttributeOrder)
			}
			top.lastKey = key
			top.hasKey = true
			top.node.SetAttr(key, value)
		}
	}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r':
			p.pos++
		case '\n':
			p.pos++
			p.line++
		default:
			return
		}
	}
}

func (p *parser) skipLine() {
	for p.pos < len(p.src) && p.src[p.pos] != '\n' {
		p.pos++
	}
}

func (p *parser) readTag() (name string, closing bool, err error) {
	start := p.pos + 1
	i := start
	for {
		if i >= len(p.src) {
			return "", false, fmt.Errorf("line %d: unterminated tag: %w", p.line, ErrTruncatedDocument)
		}
		c := p.src[i]
		if c == ']' {
			break
		}
		if c == '\n' {
			return "", false, fmt.Errorf("line %d: newline in tag: %w", p.line, ErrInvalidToken)
		}
		i++
	}
	inner := p.src[start:i]
	p.pos = i + 1
	if strings.HasPrefix(inner, "/") {
		inner = inner[1:]
		closing = true
	}
	if inner == "" {
		return "", false, fmt.Errorf("line %d: empty tag name: %w", p.line, ErrInvalidToken)
	}
	return inner, closing, nil
}

func (p *parser) readAttribute() (key, value string, err error) {
	start := p.pos
	i := start
	for {
		if i >= len(p.src) || p.src[i] == '\n' {
			return "", "", fmt.Errorf("line %d: attribute without value: %w", p.line, ErrTruncatedDocument)
		}
		if p.src[i] == '=' {
			break
		}
		i++
	}
	key = strings.TrimRight(p.src[start:i], " \t")
	if key == "" || strings.ContainsAny(key, "[]\"#") {
		return "", "", fmt.Errorf("line %d: bad attribute key %q: %w", p.line, key, ErrInvalidToken)
	}
	p.pos = i + 1
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
	if p.pos >= len(p.src) || p.src[p.pos] != '"' {
		return "", "", fmt.Errorf("line %d: attribute %q missing quoted value: %w", p.line, key, ErrInvalidToken)
	}
	value, err = p.readQuoted()
	return key, value, err
}

// readQuoted consumes a quoted value starting at the opening quote. A
// doubled quote is a literal quote; a closing quote followed by + at end
// of line continues the value on the next quoted segment.
func (p *parser) readQuoted() (string, error) {
	var sb strings.Builder
	simple := true
	segStart := p.pos + 1
	p.pos++
	for {
		if p.pos >= len(p.src) {
			return "", fmt.Errorf("line %d: unterminated attribute value: %w", p.line, ErrTruncatedDocument)
		}
		c := p.src[p.pos]
		if c == '\n' {
			p.line++
			p.pos++
			continue
		}
		if c != '"' {
			p.pos++
			continue
		}
		// Either an escape, the end, or a continuation.
		if p.pos+1 < len(p.src) && p.src[p.pos+1] == '"' {
			sb.WriteString(p.src[segStart:p.pos])
			sb.WriteByte('"')
			simple = false
			p.pos += 2
			segStart = p.pos
			continue
		}
		end := p.pos
		p.pos++
		j := p.pos
		for j < len(p.src) && (p.src[j] == ' ' || p.src[j] == '\t' || p.src[j] == '\r') {
			j++
		}
		if j < len(p.src) && p.src[j] == '+' {
			j++
			for j < len(p.src) && p.src[j] != '"' {
				if p.src[j] == '\n' {
					p.line++
				} else if p.src[j] != ' ' && p.src[j] != '\t' && p.src[j] != '\r' {
					return "", fmt.Errorf("line %d: malformed value continuation: %w", p.line, ErrInvalidToken)
				}
				j++
			}
			if j >= len(p.src) {
				return "", fmt.Errorf("line %d: unterminated value continuation: %w", p.line, ErrTruncatedDocument)
			}
			sb.WriteString(p.src[segStart:end])
			simple = false
			p.pos = j + 1
			segStart = p.pos
			continue
		}
		if simple {
			return p.src[segStart:end], nil
		}
		sb.WriteString(p.src[segStart:end])
		return sb.String(), nil
	}
}
