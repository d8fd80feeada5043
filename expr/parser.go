package expr

import (
	"fmt"
	"runtime"
)

// Parse turns an expression source into its syntax tree. The grammar is the
// ECMAScript expression subset used by form schemas: literals, identifiers,
// member/index access, calls, unary and binary operators, short-circuit
// logic, the conditional operator, array literals and comma sequences.
// Statements, assignments and declarations are not part of the grammar.
func Parse(source string) (node Node, err error) {
	p := &parser{lex: newLexer(source)}
	defer p.recover(&err)
	node = p.parseSequence()
	p.expect(tokenEOF, "")
	return node, nil
}

type parser struct {
	lex    *lexer
	tok    token
	peeked bool
}

// errorf aborts parsing; Parse converts the panic back into an error.
func (p *parser) errorf(format string, args ...interface{}) {
	panic(fmt.Errorf(format, args...))
}

func (p *parser) recover(errp *error) {
	if e := recover(); e != nil {
		if _, ok := e.(runtime.Error); ok {
			panic(e)
		}
		*errp = e.(error)
	}
}

func (p *parser) next() token {
	if p.peeked {
		p.peeked = false
		return p.tok
	}
	tok, err := p.lex.next()
	if err != nil {
		p.errorf("%v", err)
	}
	return tok
}

func (p *parser) peek() token {
	if !p.peeked {
		tok, err := p.lex.next()
		if err != nil {
			p.errorf("%v", err)
		}
		p.tok = tok
		p.peeked = true
	}
	return p.tok
}

func (p *parser) expect(kind tokenKind, text string) token {
	tok := p.next()
	if tok.kind != kind || (text != "" && tok.text != text) {
		p.errorf("unexpected %s at offset %d", tok, tok.pos)
	}
	return tok
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokenOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

// sequence: conditional (("," | ";") conditional)*
func (p *parser) parseSequence() Node {
	first := p.parseConditional()
	tok := p.peek()
	if tok.kind != tokenComma && tok.kind != tokenSemicolon {
		return first
	}
	exprs := []Node{first}
	for {
		tok = p.peek()
		if tok.kind != tokenComma && tok.kind != tokenSemicolon {
			break
		}
		p.next()
		if p.peek().kind == tokenEOF {
			break
		}
		exprs = append(exprs, p.parseConditional())
	}
	if len(exprs) == 1 {
		return exprs[0]
	}
	return &SequenceNode{Exprs: exprs}
}

// conditional: nullishOr ("?" conditional ":" conditional)?
func (p *parser) parseConditional() Node {
	test := p.parseNullishOr()
	if _, ok := p.acceptOp("?"); !ok {
		return test
	}
	consequent := p.parseConditional()
	p.expect(tokenOp, ":")
	alternate := p.parseConditional()
	return &ConditionalNode{Test: test, Consequent: consequent, Alternate: alternate}
}

// nullishOr: and (("||" | "??") and)*
func (p *parser) parseNullishOr() Node {
	left := p.parseAnd()
	for {
		op, ok := p.acceptOp("||", "??")
		if !ok {
			return left
		}
		left = &LogicalNode{Op: op, Left: left, Right: p.parseAnd()}
	}
}

// and: equality ("&&" equality)*
func (p *parser) parseAnd() Node {
	left := p.parseEquality()
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left
		}
		left = &LogicalNode{Op: "&&", Left: left, Right: p.parseEquality()}
	}
}

// equality: relational (("==" | "!=" | "===" | "!==") relational)*
func (p *parser) parseEquality() Node {
	left := p.parseRelational()
	for {
		op, ok := p.acceptOp("===", "!==", "==", "!=")
		if !ok {
			return left
		}
		left = &BinaryNode{Op: op, Left: left, Right: p.parseRelational()}
	}
}

// relational: additive (("<" | "<=" | ">" | ">=") additive)*
func (p *parser) parseRelational() Node {
	left := p.parseAdditive()
	for {
		op, ok := p.acceptOp("<=", ">=", "<", ">")
		if !ok {
			return left
		}
		left = &BinaryNode{Op: op, Left: left, Right: p.parseAdditive()}
	}
}

// additive: multiplicative (("+" | "-") multiplicative)*
func (p *parser) parseAdditive() Node {
	left := p.parseMultiplicative()
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left
		}
		left = &BinaryNode{Op: op, Left: left, Right: p.parseMultiplicative()}
	}
}

// multiplicative: unary (("*" | "/" | "%") unary)*
func (p *parser) parseMultiplicative() Node {
	left := p.parseUnary()
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left
		}
		left = &BinaryNode{Op: op, Left: left, Right: p.parseUnary()}
	}
}

// unary: ("!" | "-" | "+" | "typeof") unary | postfix
func (p *parser) parseUnary() Node {
	if op, ok := p.acceptOp("!", "-", "+"); ok {
		return &UnaryNode{Op: op, Operand: p.parseUnary()}
	}
	tok := p.peek()
	if tok.kind == tokenIdent && tok.text == "typeof" {
		p.next()
		return &UnaryNode{Op: "typeof", Operand: p.parseUnary()}
	}
	return p.parsePostfix()
}

// postfix: primary ("." ident | "[" sequence "]" | "(" args ")")*
func (p *parser) parsePostfix() Node {
	node := p.parsePrimary()
	for {
		tok := p.peek()
		switch {
		case tok.kind == tokenOp && tok.text == ".":
			p.next()
			prop := p.next()
			if prop.kind != tokenIdent {
				p.errorf("expected property name after '.' at offset %d", prop.pos)
			}
			node = &MemberNode{Object: node, Property: prop.text}
		case tok.kind == tokenLBracket:
			p.next()
			index := p.parseSequence()
			p.expect(tokenRBracket, "")
			node = &IndexNode{Object: node, Index: index}
		case tok.kind == tokenLParen:
			p.next()
			node = &CallNode{Callee: node, Args: p.parseArgs()}
		default:
			return node
		}
	}
}

func (p *parser) parseArgs() []Node {
	var args []Node
	if p.peek().kind == tokenRParen {
		p.next()
		return args
	}
	for {
		args = append(args, p.parseConditional())
		tok := p.next()
		switch tok.kind {
		case tokenComma:
		case tokenRParen:
			return args
		default:
			p.errorf("unexpected %s in argument list at offset %d", tok, tok.pos)
		}
	}
}

func (p *parser) parsePrimary() Node {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		return &LiteralNode{Value: tok.num}
	case tokenString:
		return &LiteralNode{Value: tok.text}
	case tokenIdent:
		switch tok.text {
		case "true":
			return &LiteralNode{Value: true}
		case "false":
			return &LiteralNode{Value: false}
		case "null", "undefined":
			return &LiteralNode{Value: nil}
		}
		return &IdentifierNode{Name: tok.text}
	case tokenLParen:
		node := p.parseSequence()
		p.expect(tokenRParen, "")
		return node
	case tokenLBracket:
		return p.parseArray()
	}
	p.errorf("unexpected %s at offset %d", tok, tok.pos)
	return nil
}

// parseArray reads the elements after the opening bracket. A hole between
// commas becomes a nil element, matching array elision semantics; a single
// trailing comma adds nothing.
func (p *parser) parseArray() Node {
	var elements []Node
	for {
		tok := p.peek()
		if tok.kind == tokenRBracket {
			p.next()
			break
		}
		if tok.kind == tokenComma {
			p.next()
			elements = append(elements, nil)
			continue
		}
		elements = append(elements, p.parseConditional())
		tok = p.peek()
		if tok.kind == tokenComma {
			p.next()
			continue
		}
		p.expect(tokenRBracket, "")
		break
	}
	return &ArrayNode{Elements: elements}
}
