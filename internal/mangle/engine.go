package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"viewonly-guard/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Fact is one audit record: a mode transition, a blocked input or a failed
// guard step.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// WatchEvent is emitted when a watched predicate derives new facts.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrNotReady is returned by queries when the engine is disabled or has no program.
var ErrNotReady = errors.New("engine not ready")

// defaultLowValuePredicates may be sampled under buffer pressure. Holding a
// blocked key down repeats input_blocked at the keyboard's repeat rate;
// transitions and step failures are always kept.
func defaultLowValuePredicates() map[string]bool {
	return map[string]bool{
		PredInputBlocked: true,
	}
}

// Engine is a bounded buffer of audit facts evaluated by a Mangle program.
type Engine struct {
	cfg config.MangleConfig
	mu  sync.RWMutex

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	facts []Fact
	index map[string][]int

	samplingRate       float64
	predicateCounts    map[string]int
	lowValuePredicates map[string]bool

	subscriptions map[string][]chan WatchEvent
	subMu         sync.RWMutex
}

// NewEngine builds the engine from the builtin rules plus the optional
// schema file. A missing schema file is not an error.
func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:                cfg,
		facts:              make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:              make(map[string][]int),
		store:              factstore.NewSimpleInMemoryStore(),
		samplingRate:       1.0,
		predicateCounts:    make(map[string]int),
		lowValuePredicates: defaultLowValuePredicates(),
		subscriptions:      make(map[string][]chan WatchEvent),
	}
	if !cfg.Enable {
		return e, nil
	}

	var src strings.Builder
	if !cfg.DisableBuiltin {
		src.WriteString(BuiltinSchema)
	}
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		switch {
		case err == nil:
			src.WriteString("\n")
			src.Write(data)
		case errors.Is(err, os.ErrNotExist):
			log.Printf("audit schema %s not found, using builtin rules", cfg.SchemaPath)
		default:
			return nil, fmt.Errorf("read schema: %w", err)
		}
	}
	if strings.TrimSpace(src.String()) == "" {
		return e, nil
	}
	if err := e.LoadSchema(src.String()); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadSchema parses and analyzes a Mangle program, replacing the current one.
func (e *Engine) LoadSchema(source string) error {
	unit, err := parse.Unit(strings.NewReader(source))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = programInfo
	return nil
}

// AddFacts appends facts to the buffer and the store, then re-evaluates the
// program. Low-value facts are sampled when the buffer is nearly full.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()

	filtered := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		if e.shouldAcceptFact(f) {
			filtered = append(filtered, f)
			e.predicateCounts[f.Predicate]++
		}
	}

	baseIdx := len(e.facts)
	e.facts = append(e.facts, filtered...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		// Trim to three quarters so a full buffer is not rebuilt on every fact.
		keep := limit * 3 / 4
		e.facts = append([]Fact(nil), e.facts[len(e.facts)-keep:]...)
		e.rebuildIndex()
		e.rebuildStore()
	} else {
		for i, f := range filtered {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
			e.store.Add(factToAtom(f))
		}
	}

	if e.programInfo == nil {
		return nil
	}
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return fmt.Errorf("eval program after fact insertion: %w", err)
	}
	e.checkAndNotifyWatchers(filtered)
	return nil
}

func (e *Engine) rebuildStore() {
	e.store = factstore.NewSimpleInMemoryStore()
	for _, f := range e.facts {
		e.store.Add(factToAtom(f))
	}
}

// checkAndNotifyWatchers sends each watched predicate the facts the batch
// derives on its own, so a failure that recurs after an earlier identical
// one is reported again. Rules joining the batch with older facts are not
// seen by watches; Query and Evaluate still cover them.
func (e *Engine) checkAndNotifyWatchers(batch []Fact) {
	watched := e.WatchPredicates()
	if len(watched) == 0 || len(batch) == 0 {
		return
	}

	scratch := factstore.NewSimpleInMemoryStore()
	for _, f := range batch {
		scratch.Add(factToAtom(f))
	}
	if err := engine.EvalProgram(e.programInfo, scratch); err != nil {
		log.Printf("watch evaluation failed: %v", err)
		return
	}

	for _, predicate := range watched {
		arity := e.arity(predicate)
		if arity < 0 {
			continue
		}
		var fresh []Fact
		_ = scratch.GetFacts(wildcard(predicate, arity), func(atom ast.Atom) error {
			fresh = append(fresh, atomToFact(atom))
			return nil
		})
		if len(fresh) > 0 {
			e.notifySubscribers(predicate, fresh)
		}
	}
}

// updateSamplingRate lowers the acceptance rate of low-value facts as the
// buffer fills.
func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}

	fillRatio := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)

	switch {
	case fillRatio < 0.5:
		e.samplingRate = 1.0
	case fillRatio < 0.7:
		e.samplingRate = 0.8
	case fillRatio < 0.85:
		e.samplingRate = 0.5
	case fillRatio < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAcceptFact(f Fact) bool {
	if !e.lowValuePredicates[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current acceptance rate for low-value facts.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Subscribe registers ch for facts of predicate derived from each new batch.
// A full channel drops the event.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	return fmt.Sprintf("%s:%p", predicate, ch)
}

// Unsubscribe removes ch from predicate's subscribers.
func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	channels := e.subscriptions[predicate]
	for i, c := range channels {
		if c == ch {
			e.subscriptions[predicate] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
}

func (e *Engine) notifySubscribers(predicate string, facts []Fact) {
	e.subMu.RLock()
	channels := append([]chan WatchEvent(nil), e.subscriptions[predicate]...)
	e.subMu.RUnlock()

	event := WatchEvent{
		Predicate: predicate,
		Facts:     facts,
		Timestamp: time.Now(),
	}
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// WatchPredicates lists predicates with active subscriptions.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	predicates := make([]string, 0, len(e.subscriptions))
	for p, chs := range e.subscriptions {
		if len(chs) > 0 {
			predicates = append(predicates, p)
		}
	}
	return predicates
}

// Query evaluates a single atom such as `input_blocked(Type, Key, "typing").`
// and returns one binding per matching fact. A leading `?` and the trailing
// period are optional.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := strings.TrimPrefix(strings.TrimSpace(queryStr), "?")
	if !strings.HasSuffix(q, ".") {
		q += "."
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(q)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.cfg.Enable || e.programInfo == nil {
		return nil, ErrNotReady
	}

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			switch a := arg.(type) {
			case ast.Variable:
				if a.Symbol != "_" {
					result[a.Symbol] = convertConstant(atom.Args[i])
				}
			case ast.Constant:
				if !a.Equals(atom.Args[i]) {
					return nil
				}
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// Evaluate runs the program and returns every fact of predicate, stored or derived.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Enable || e.programInfo == nil {
		return nil, ErrNotReady
	}

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := e.arity(predicate)
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	facts := make([]Fact, 0)
	err := e.store.GetFacts(wildcard(predicate, arity), func(atom ast.Atom) error {
		facts = append(facts, atomToFact(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

// arity looks predicate up in the program declarations, falling back to
// buffered facts.
func (e *Engine) arity(predicate string) int {
	if e.programInfo != nil {
		for sym := range e.programInfo.Decls {
			if sym.Symbol == predicate {
				return sym.Arity
			}
		}
	}
	if idx := e.index[predicate]; len(idx) > 0 {
		return len(e.facts[idx[0]].Args)
	}
	return -1
}

// QueryTemporal returns buffered facts of predicate inside the (after, before)
// window. A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts of predicate, oldest first.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			results = append(results, e.facts[idx])
		}
	}
	return results
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Counts returns how many facts of each predicate were accepted.
func (e *Engine) Counts() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]int, len(e.predicateCounts))
	for k, v := range e.predicateCounts {
		out[k] = v
	}
	return out
}

// Ready reports whether the engine can answer queries. A disabled engine is
// ready and answers nothing.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

func wildcard(predicate string, arity int) ast.Atom {
	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case nil:
		return nil
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			if val, err := term.StringValue(); err == nil {
				return val
			}
		case ast.NumberType:
			if val, err := term.NumberValue(); err == nil {
				return val
			}
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
