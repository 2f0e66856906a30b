package parser

import (
	"strings"
)

// AST node types for representing parsed command lines

// Node is the base interface for all AST nodes
type Node interface {
	String() string
}

// Part is a piece of a word: literal text or a parameter reference.
type Part struct {
	Literal string
	Param   string
}

// Word is one shell word before expansion. Raw is the source text.
type Word struct {
	Parts  []Part
	Raw    string
	Quoted bool
}

// Lookup resolves a parameter name during expansion.
type Lookup func(name string) (string, bool)

// Expand substitutes parameters. A word made of exactly "$@" expands to
// one field per positional argument; everything else yields one field.
func (w Word) Expand(lookup Lookup, positional []string) []string {
	if len(w.Parts) == 1 && w.Parts[0].Param == "@" {
		out := make([]string, len(positional))
		copy(out, positional)
		return out
	}

	var b strings.Builder
	for _, part := range w.Parts {
		if part.Param == "" {
			b.WriteString(part.Literal)
			continue
		}
		if part.Param == "@" || part.Param == "*" {
			b.WriteString(strings.Join(positional, " "))
			continue
		}
		if v, ok := lookup(part.Param); ok {
			b.WriteString(v)
		}
	}
	return []string{b.String()}
}

// Literal returns the word text with parameters left unexpanded.
func (w Word) Literal() string {
	var b strings.Builder
	for _, part := range w.Parts {
		if part.Param != "" {
			b.WriteString("${" + part.Param + "}")
			continue
		}
		b.WriteString(part.Literal)
	}
	return b.String()
}

// Static reports whether the word contains no parameter references.
func (w Word) Static() bool {
	for _, part := range w.Parts {
		if part.Param != "" {
			return false
		}
	}
	return true
}

func (w Word) String() string { return w.Raw }

// CommandNode represents a single command with arguments
type CommandNode struct {
	Name Word
	Args []Word
}

func (c *CommandNode) String() string {
	parts := []string{c.Name.String()}
	for _, arg := range c.Args {
		parts = append(parts, arg.String())
	}
	return strings.Join(parts, " ")
}

// PipelineNode represents a series of commands connected by pipes
type PipelineNode struct {
	Commands []*CommandNode
}

func (p *PipelineNode) String() string {
	parts := make([]string, 0, len(p.Commands))
	for _, cmd := range p.Commands {
		parts = append(parts, cmd.String())
	}
	return strings.Join(parts, " | ")
}

// RedirectionType represents the type of redirection
type RedirectionType int

const (
	RedirOut    RedirectionType = iota // >
	RedirAppend                        // >>
	RedirIn                            // <
	RedirErr                           // 2>
	RedirAll                           // &>
)

// RedirectionNode represents input/output redirection
type RedirectionNode struct {
	Type   RedirectionType
	Target Word
}

func (r *RedirectionNode) String() string {
	switch r.Type {
	case RedirOut:
		return "> " + r.Target.String()
	case RedirAppend:
		return ">> " + r.Target.String()
	case RedirIn:
		return "< " + r.Target.String()
	case RedirErr:
		return "2> " + r.Target.String()
	case RedirAll:
		return "&> " + r.Target.String()
	default:
		return "unknown redirection"
	}
}

// ComplexCommandNode represents a pipeline with redirections. The
// redirections apply to the pipeline as a whole.
type ComplexCommandNode struct {
	Pipeline     *PipelineNode
	Redirections []*RedirectionNode
}

func (c *ComplexCommandNode) String() string {
	result := c.Pipeline.String()
	for _, redir := range c.Redirections {
		result += " " + redir.String()
	}
	return result
}

// ConditionalNode represents conditional execution (&& or ||)
type ConditionalNode struct {
	Left     Node
	Operator string
	Right    Node
}

func (c *ConditionalNode) String() string {
	return c.Left.String() + " " + c.Operator + " " + c.Right.String()
}

// BackgroundNode runs Job without waiting for it (&)
type BackgroundNode struct {
	Job Node
}

func (b *BackgroundNode) String() string {
	return b.Job.String() + " &"
}

// SequenceNode represents sequential execution (; or newline)
type SequenceNode struct {
	Commands []Node
}

func (s *SequenceNode) String() string {
	parts := make([]string, 0, len(s.Commands))
	for _, cmd := range s.Commands {
		if bg, ok := cmd.(*BackgroundNode); ok {
			parts = append(parts, bg.String())
			continue
		}
		parts = append(parts, cmd.String()+";")
	}
	return strings.TrimSuffix(strings.Join(parts, " "), ";")
}
