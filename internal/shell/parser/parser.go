// Package parser turns command lines into an AST.
//
// Grammar:
//
//	list     = and_or { (";" | "&" | newline) and_or } [";" | "&"]
//	and_or   = complex { ("&&" | "||") {newline} complex }
//	complex  = pipeline { redirection }
//	pipeline = command { "|" {newline} command }
//	command  = word { word }
package parser

// Parser turns a command line into a Node tree with one token of lookahead.
type Parser struct {
	tokenizer *Tokenizer
	current   Token
}

// NewParser returns a Parser ready for Parse.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses the input string and returns an AST. Empty input yields a
// nil node.
func (p *Parser) Parse(input string) (Node, error) {
	p.tokenizer = NewTokenizer(input)
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p.parseList()
}

// Parse is a convenience wrapper around a fresh Parser.
func Parse(input string) (Node, error) {
	return NewParser().Parse(input)
}

// advance reads the next token into p.current.
func (p *Parser) advance() error {
	token, err := p.tokenizer.NextToken()
	if err != nil {
		return err
	}
	p.current = token
	return nil
}

func (p *Parser) errorf(msg string) error {
	return &SyntaxError{Position: p.current.Position, Msg: msg + ", got " + p.current.Type.String()}
}

func (p *Parser) skipNewlines() error {
	for p.current.Type == NEWLINE {
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

// parseList parses and_or items separated by ; & or newlines
func (p *Parser) parseList() (Node, error) {
	var items []Node

	for {
		for p.current.Type == NEWLINE || p.current.Type == SEMICOLON {
			if p.current.Type == SEMICOLON && len(items) == 0 {
				return nil, p.errorf("expected command before ';'")
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if p.current.Type == EOF {
			break
		}

		item, err := p.parseAndOr()
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, p.errorf("expected command")
		}

		switch p.current.Type {
		case BACKGROUND:
			item = &BackgroundNode{Job: item}
			if err := p.advance(); err != nil {
				return nil, err
			}
		case SEMICOLON, NEWLINE:
			if err := p.advance(); err != nil {
				return nil, err
			}
		case EOF:
		default:
			return nil, p.errorf("unexpected token")
		}
		items = append(items, item)
	}

	switch len(items) {
	case 0:
		return nil, nil
	case 1:
		if _, bg := items[0].(*BackgroundNode); !bg {
			return items[0], nil
		}
	}
	return &SequenceNode{Commands: items}, nil
}

// parseAndOr parses a statement with conditionals (&& and ||)
func (p *Parser) parseAndOr() (Node, error) {
	left, err := p.parseComplexCommand()
	if err != nil || left == nil {
		return left, err
	}

	for p.current.Type == AND || p.current.Type == OR {
		operator := p.current.Value
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.skipNewlines(); err != nil {
			return nil, err
		}

		right, err := p.parseComplexCommand()
		if err != nil {
			return nil, err
		}
		if right == nil {
			return nil, p.errorf("expected command after " + operator)
		}

		left = &ConditionalNode{Left: left, Operator: operator, Right: right}
	}
	return left, nil
}

// parseComplexCommand reads a pipeline and any trailing redirections.
func (p *Parser) parseComplexCommand() (Node, error) {
	pipeline, err := p.parsePipeline()
	if err != nil || pipeline == nil {
		return nil, err
	}

	var redirections []*RedirectionNode
	for p.isRedirection() {
		redir, err := p.parseRedirection()
		if err != nil {
			return nil, err
		}
		redirections = append(redirections, redir)
	}

	if len(redirections) == 0 {
		return pipeline, nil
	}
	return &ComplexCommandNode{Pipeline: pipeline, Redirections: redirections}, nil
}

// parsePipeline reads commands joined by |.
func (p *Parser) parsePipeline() (*PipelineNode, error) {
	cmd, err := p.parseCommand()
	if err != nil || cmd == nil {
		return nil, err
	}
	commands := []*CommandNode{cmd}

	for p.current.Type == PIPE {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.skipNewlines(); err != nil {
			return nil, err
		}

		cmd, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		if cmd == nil {
			return nil, p.errorf("expected command after pipe")
		}
		commands = append(commands, cmd)
	}

	return &PipelineNode{Commands: commands}, nil
}

// parseCommand reads the words of one stage.
func (p *Parser) parseCommand() (*CommandNode, error) {
	if p.current.Type != WORD {
		return nil, nil
	}

	cmd := &CommandNode{Name: p.current.Word}
	if err := p.advance(); err != nil {
		return nil, err
	}

	for p.current.Type == WORD {
		cmd.Args = append(cmd.Args, p.current.Word)
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return cmd, nil
}

// isRedirection reports whether p.current starts a redirection.
func (p *Parser) isRedirection() bool {
	switch p.current.Type {
	case REDIRECT_OUT, REDIRECT_APPEND, REDIRECT_IN, REDIRECT_ERR, REDIRECT_ALL:
		return true
	default:
		return false
	}
}

// parseRedirection reads an operator and its target word.
func (p *Parser) parseRedirection() (*RedirectionNode, error) {
	var redirType RedirectionType

	switch p.current.Type {
	case REDIRECT_OUT:
		redirType = RedirOut
	case REDIRECT_APPEND:
		redirType = RedirAppend
	case REDIRECT_IN:
		redirType = RedirIn
	case REDIRECT_ERR:
		redirType = RedirErr
	case REDIRECT_ALL:
		redirType = RedirAll
	default:
		return nil, p.errorf("expected redirection operator")
	}

	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.current.Type != WORD {
		return nil, p.errorf("expected filename after redirection")
	}

	redir := &RedirectionNode{Type: redirType, Target: p.current.Word}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return redir, nil
}
