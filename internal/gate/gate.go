// Package gate implements stage gates: boolean conditions over contract test
// results and artifact existence that guard plan advancement. Evaluation is
// evidence-first: a gate verdict is only as good as the trace it records, so
// every leaf predicate is checked and reported even when the boolean outcome
// is already decided.
package gate

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

// Status of a stage gate.
type Status string

const (
	StatusPending Status = "pending"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// StageGate is one named gate with its condition expressions. Conditions are
// AND-ed together; each condition string is itself a boolean expression.
type StageGate struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Conditions    []string  `json:"conditions"`
	Status        Status    `json:"status"`
	LastEvaluated time.Time `json:"last_evaluated"`
}

// CheckedCondition is one leaf predicate with its observed value.
type CheckedCondition struct {
	Expr  string `json:"expr"`
	Value bool   `json:"value"`
}

// Evaluation is the immutable record of one gate evaluation.
type Evaluation struct {
	GateID            string             `json:"gate_id"`
	Status            Status             `json:"status"`
	CheckedConditions []CheckedCondition `json:"checked_conditions"`
	Evidence          []evidence.Ref     `json:"evidence"`
	EvaluatedAt       time.Time          `json:"evaluated_at"`
}

// TestResults answers tests.pass predicates.
type TestResults interface {
	Passed(id string) (evidence.Ref, bool)
}

// ArtifactIndex answers artifact.exists predicates.
type ArtifactIndex interface {
	GlobRef(pattern string) (evidence.Ref, bool)
}

// Evaluator evaluates gates against the current run state. It holds no state
// between evaluations; re-evaluating an unchanged gate yields the same
// verdict.
type Evaluator struct {
	tests     TestResults
	artifacts ArtifactIndex
	logger    *zap.Logger
	now       func() time.Time
}

// NewEvaluator creates an evaluator over the given result and artifact views.
func NewEvaluator(tests TestResults, artifacts ArtifactIndex, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{tests: tests, artifacts: artifacts, logger: logger, now: time.Now}
}

// Evaluate checks every condition of g and returns the full trace. A gate
// with zero conditions fails: an empty gate guards nothing and must not open.
// Parse errors on any condition yield StatusBlocked.
func (e *Evaluator) Evaluate(g StageGate) Evaluation {
	ev := Evaluation{
		GateID:      g.ID,
		Status:      StatusFailed,
		EvaluatedAt: e.now().UTC(),
	}
	if len(g.Conditions) == 0 {
		e.logger.Warn("gate has no conditions, failing closed", zap.String("gate_id", g.ID))
		return ev
	}

	all := true
	for _, cond := range g.Conditions {
		node, err := Parse(cond)
		if err != nil {
			e.logger.Error("gate condition parse error",
				zap.String("gate_id", g.ID),
				zap.String("condition", cond),
				zap.Error(err),
			)
			ev.Status = StatusBlocked
			return ev
		}
		// Walk the whole tree: leaves after a decided AND/OR still get
		// checked and traced.
		if !node.eval(e, &ev) {
			all = false
		}
	}
	if all {
		ev.Status = StatusPassed
	}
	e.logger.Debug("gate evaluated",
		zap.String("gate_id", g.ID),
		zap.String("status", string(ev.Status)),
		zap.Int("conditions_checked", len(ev.CheckedConditions)),
		zap.Int("evidence", len(ev.Evidence)),
	)
	return ev
}

// node is one parsed expression node.
type node interface {
	eval(e *Evaluator, ev *Evaluation) bool
	String() string
}

type andNode struct{ left, right node }

func (n andNode) eval(e *Evaluator, ev *Evaluation) bool {
	l := n.left.eval(e, ev)
	r := n.right.eval(e, ev)
	return l && r
}

func (n andNode) String() string {
	return fmt.Sprintf("(%s and %s)", n.left, n.right)
}

type orNode struct{ left, right node }

func (n orNode) eval(e *Evaluator, ev *Evaluation) bool {
	l := n.left.eval(e, ev)
	r := n.right.eval(e, ev)
	return l || r
}

func (n orNode) String() string {
	return fmt.Sprintf("(%s or %s)", n.left, n.right)
}

// predKind discriminates leaf predicates.
type predKind string

const (
	predTestsPass      predKind = "tests.pass"
	predArtifactExists predKind = "artifact.exists"
)

type predNode struct {
	kind predKind
	arg  string
}

func (n predNode) eval(e *Evaluator, ev *Evaluation) bool {
	var (
		ok  bool
		ref evidence.Ref
	)
	switch n.kind {
	case predTestsPass:
		ref, ok = e.tests.Passed(n.arg)
	case predArtifactExists:
		ref, ok = e.artifacts.GlobRef(n.arg)
	}
	ev.CheckedConditions = append(ev.CheckedConditions, CheckedCondition{
		Expr:  n.String(),
		Value: ok,
	})
	if ok && ref.Valid() {
		ev.Evidence = append(ev.Evidence, ref)
	}
	return ok
}

func (n predNode) String() string {
	return fmt.Sprintf("%s('%s')", n.kind, n.arg)
}

// Parse parses a gate condition expression. Grammar, loosest binding first:
//
//	expr    = term { "or" term }
//	term    = factor { "and" factor }
//	factor  = "(" expr ")" | predicate
//	predicate = ("tests.pass" | "artifact.exists") "(" quoted ")"
//
// Unknown predicates are parse errors, never silently-false leaves.
func Parse(input string) (node, error) {
	p := &parser{toks: lex(input), input: input}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("parsing %q: unexpected %q", input, p.toks[p.pos].val)
	}
	return n, nil
}

type tokKind int

const (
	tokPred tokKind = iota
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokErr
)

type token struct {
	kind tokKind
	val  string // predicate name or error text
	arg  string // predicate argument
}

func lex(input string) []token {
	var toks []token
	s := input
	for {
		s = strings.TrimLeft(s, " \t\n")
		if s == "" {
			return toks
		}
		switch {
		case s[0] == '(':
			toks = append(toks, token{kind: tokLParen, val: "("})
			s = s[1:]
		case s[0] == ')':
			toks = append(toks, token{kind: tokRParen, val: ")"})
			s = s[1:]
		case hasWord(s, "and"):
			toks = append(toks, token{kind: tokAnd, val: "and"})
			s = s[3:]
		case hasWord(s, "or"):
			toks = append(toks, token{kind: tokOr, val: "or"})
			s = s[2:]
		default:
			tok, rest, err := lexPredicate(s)
			if err != nil {
				return append(toks, token{kind: tokErr, val: err.Error()})
			}
			toks = append(toks, tok)
			s = rest
		}
	}
}

// hasWord reports whether s starts with word followed by a non-identifier
// boundary, so "orchestrate(...)" is not read as "or".
func hasWord(s, word string) bool {
	if !strings.HasPrefix(s, word) {
		return false
	}
	if len(s) == len(word) {
		return true
	}
	c := s[len(word)]
	return c == ' ' || c == '\t' || c == '\n' || c == '('
}

func lexPredicate(s string) (token, string, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return token{}, "", fmt.Errorf("expected predicate, got %q", firstWord(s))
	}
	name := strings.TrimSpace(s[:open])
	if name != string(predTestsPass) && name != string(predArtifactExists) {
		return token{}, "", fmt.Errorf("unknown predicate %q", name)
	}
	rest := s[open+1:]
	rest = strings.TrimLeft(rest, " \t")
	if rest == "" || (rest[0] != '\'' && rest[0] != '"') {
		return token{}, "", fmt.Errorf("predicate %s: expected quoted argument", name)
	}
	quote := rest[0]
	end := strings.IndexByte(rest[1:], quote)
	if end < 0 {
		return token{}, "", fmt.Errorf("predicate %s: unterminated argument", name)
	}
	arg := rest[1 : 1+end]
	rest = strings.TrimLeft(rest[2+end:], " \t")
	if rest == "" || rest[0] != ')' {
		return token{}, "", fmt.Errorf("predicate %s: expected closing paren", name)
	}
	return token{kind: tokPred, val: name, arg: arg}, rest[1:], nil
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n()"); i > 0 {
		return s[:i]
	}
	return s
}

type parser struct {
	toks  []token
	pos   int
	input string
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
}

func (p *parser) parseFactor() (node, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("parsing %q: unexpected end of expression", p.input)
	}
	switch tok.kind {
	case tokErr:
		return nil, fmt.Errorf("parsing %q: %s", p.input, tok.val)
	case tokLParen:
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		next, ok := p.peek()
		if !ok || next.kind != tokRParen {
			return nil, fmt.Errorf("parsing %q: missing closing paren", p.input)
		}
		p.pos++
		return inner, nil
	case tokPred:
		p.pos++
		return predNode{kind: predKind(tok.val), arg: tok.arg}, nil
	default:
		return nil, fmt.Errorf("parsing %q: unexpected %q", p.input, tok.val)
	}
}
