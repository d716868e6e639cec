// Package scriptenv executes the canonical browser activator script inside
// an embedded JS engine wired to a live x/net/html tree. It implements just
// enough of the DOM for the script: id lookups, a small CSS selector
// subset, class lists, attributes, and a click event registry, with real
// timers provided by a goja_nodejs event loop. The conformance tests use it
// to hold the script to the same contract as the Go activator.
package scriptenv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/tbleier/capgate/internal/dom"
)

// Sentinel errors for click dispatch.
var (
	ErrClosed          = errors.New("script environment closed")
	ErrElementNotFound = errors.New("no element with the given id")
	ErrElementDisabled = errors.New("element is disabled and ignores clicks")
)

type listener struct {
	event string
	fn    goja.Callable
}

// Env is one JS runtime bound to one document. Every VM interaction and
// every DOM mutation runs on the event loop goroutine, so timer callbacks
// never race with callers.
type Env struct {
	loop *eventloop.EventLoop
	log  *zap.Logger

	// Only touched on the loop goroutine.
	doc       *html.Node
	listeners map[*html.Node][]listener

	mu     sync.Mutex
	closed bool
}

// New starts an environment around the given document. Close must be called
// to stop the event loop.
func New(doc *html.Node, logger *zap.Logger) (*Env, error) {
	if doc == nil {
		return nil, errors.New("nil document")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	env := &Env{
		loop:      eventloop.NewEventLoop(),
		log:       logger.Named("scriptenv"),
		doc:       doc,
		listeners: make(map[*html.Node][]listener),
	}
	env.loop.Start()

	if err := env.run(context.Background(), func(vm *goja.Runtime) error {
		return env.installGlobals(vm)
	}); err != nil {
		env.loop.Stop()
		return nil, fmt.Errorf("failed to initialize script globals: %w", err)
	}
	return env, nil
}

// run executes fn on the loop goroutine and waits for it, or for ctx.
func (e *Env) run(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	done := make(chan error, 1)
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panic: %v", r)
			}
		}()
		done <- fn(vm)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunScript evaluates src in the environment. The script sees document,
// console, and the event loop's setTimeout/clearTimeout.
func (e *Env) RunScript(ctx context.Context, src string) error {
	return e.run(ctx, func(vm *goja.Runtime) error {
		if _, err := vm.RunString(src); err != nil {
			var exc *goja.Exception
			if errors.As(err, &exc) {
				return fmt.Errorf("javascript exception: %s", exc.String())
			}
			return fmt.Errorf("javascript error: %w", err)
		}
		return nil
	})
}

// Click dispatches a click event to the element with the given id. A
// disabled element swallows the click the way a browser button does.
func (e *Env) Click(ctx context.Context, id string) error {
	return e.run(ctx, func(vm *goja.Runtime) error {
		node := dom.ElementByID(e.doc, id)
		if node == nil {
			return fmt.Errorf("%w: %q", ErrElementNotFound, id)
		}
		if dom.HasAttr(node, "disabled") {
			return fmt.Errorf("%w: %q", ErrElementDisabled, id)
		}
		return e.dispatch(vm, node, "click")
	})
}

// Snapshot renders the document, serialized against timer callbacks.
func (e *Env) Snapshot(ctx context.Context) (string, error) {
	var out string
	err := e.run(ctx, func(vm *goja.Runtime) error {
		rendered, rerr := dom.Render(e.doc)
		out = rendered
		return rerr
	})
	return out, err
}

// Eval runs an expression and exports its result to a Go value.
func (e *Env) Eval(ctx context.Context, expr string) (interface{}, error) {
	var out interface{}
	err := e.run(ctx, func(vm *goja.Runtime) error {
		val, verr := vm.RunString(expr)
		if verr != nil {
			return fmt.Errorf("javascript error: %w", verr)
		}
		out = val.Export()
		return nil
	})
	return out, err
}

// Close stops the event loop and discards pending timers. Idempotent.
func (e *Env) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.loop.Stop()
	e.log.Debug("Script environment closed.")
}

// installGlobals binds document and console into the VM. setTimeout and
// clearTimeout are already registered by the event loop.
func (e *Env) installGlobals(vm *goja.Runtime) error {
	document := vm.NewObject()
	if err := document.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		node := dom.ElementByID(e.doc, id)
		if node == nil {
			return goja.Null()
		}
		return e.wrapNode(vm, node)
	}); err != nil {
		return err
	}
	if err := document.Set("querySelector", e.scopedQueryOne(vm, e.doc)); err != nil {
		return err
	}
	if err := document.Set("querySelectorAll", e.scopedQueryAll(vm, e.doc)); err != nil {
		return err
	}
	if err := vm.GlobalObject().Set("document", document); err != nil {
		return err
	}

	console := vm.NewObject()
	logAt := func(level func(msg string, fields ...zap.Field)) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			level("[JS Console]", zap.String("message", strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	console.Set("log", logAt(e.log.Info))
	console.Set("info", logAt(e.log.Info))
	console.Set("warn", logAt(e.log.Warn))
	console.Set("error", logAt(e.log.Error))
	console.Set("debug", logAt(e.log.Debug))
	return vm.GlobalObject().Set("console", console)
}

// dispatch invokes every listener registered for the event, passing a
// minimal event object. Runs on the loop goroutine.
func (e *Env) dispatch(vm *goja.Runtime, node *html.Node, event string) error {
	wrapped := e.wrapNode(vm, node)
	ev := vm.NewObject()
	ev.Set("type", event)
	ev.Set("currentTarget", wrapped)
	ev.Set("target", wrapped)

	for _, l := range e.listeners[node] {
		if l.event != event {
			continue
		}
		if _, err := l.fn(goja.Undefined(), ev); err != nil {
			return fmt.Errorf("%s listener failed: %w", event, err)
		}
	}
	return nil
}

// wrapNode builds the JS view of one element: id/className accessors,
// attribute methods, classList, scoped queries, the event registry, and a
// synchronous click(). Wrappers are built per call; identity lives in the
// underlying *html.Node.
func (e *Env) wrapNode(vm *goja.Runtime, node *html.Node) goja.Value {
	if node == nil {
		return goja.Null()
	}

	obj := vm.NewObject()
	obj.Set("tagName", strings.ToUpper(node.Data))

	idGetter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(dom.ID(node))
	})
	idSetter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		dom.SetAttr(node, "id", call.Argument(0).String())
		return goja.Undefined()
	})
	obj.DefineAccessorProperty("id", idGetter, idSetter, goja.FLAG_FALSE, goja.FLAG_TRUE)

	classGetter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		val, _ := dom.Attr(node, "class")
		return vm.ToValue(val)
	})
	classSetter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		dom.SetAttr(node, "class", call.Argument(0).String())
		return goja.Undefined()
	})
	obj.DefineAccessorProperty("className", classGetter, classSetter, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		val, ok := dom.Attr(node, call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(val)
	})
	obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		dom.SetAttr(node, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	obj.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		dom.RemoveAttr(node, call.Argument(0).String())
		return goja.Undefined()
	})
	obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(dom.HasAttr(node, call.Argument(0).String()))
	})

	classList := vm.NewObject()
	classList.Set("add", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			dom.AddClass(node, arg.String())
		}
		return goja.Undefined()
	})
	classList.Set("remove", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			dom.RemoveClass(node, arg.String())
		}
		return goja.Undefined()
	})
	classList.Set("contains", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(dom.HasClass(node, call.Argument(0).String()))
	})
	obj.Set("classList", classList)

	obj.Set("querySelector", e.scopedQueryOne(vm, node))
	obj.Set("querySelectorAll", e.scopedQueryAll(vm, node))

	obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("addEventListener: listener is not a function"))
		}
		e.listeners[node] = append(e.listeners[node], listener{event: event, fn: fn})
		return goja.Undefined()
	})
	obj.Set("click", func(call goja.FunctionCall) goja.Value {
		if dom.HasAttr(node, "disabled") {
			return goja.Undefined()
		}
		if err := e.dispatch(vm, node, "click"); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})

	return obj
}

func (e *Env) scopedQueryOne(vm *goja.Runtime, scope *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		selector := call.Argument(0).String()
		xpath, err := translateSelector(selector, scope != e.doc)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("invalid selector %q: %w", selector, err)))
		}
		node, err := htmlquery.Query(scope, xpath)
		if err != nil || node == nil {
			return goja.Null()
		}
		return e.wrapNode(vm, node)
	}
}

func (e *Env) scopedQueryAll(vm *goja.Runtime, scope *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		selector := call.Argument(0).String()
		xpath, err := translateSelector(selector, scope != e.doc)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("invalid selector %q: %w", selector, err)))
		}
		nodes, err := htmlquery.QueryAll(scope, xpath)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("invalid selector %q: %w", selector, err)))
		}
		wrapped := make([]interface{}, len(nodes))
		for i, n := range nodes {
			wrapped[i] = e.wrapNode(vm, n)
		}
		return vm.NewArray(wrapped...)
	}
}
