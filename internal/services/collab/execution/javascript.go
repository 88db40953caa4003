package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dop251/goja"
)

const (
	// maxPendingTimers caps timers scheduled but not yet fired.
	maxPendingTimers = 1000
	// maxTimerFires caps callbacks run while draining timers.
	maxTimerFires = 100000
)

var (
	errJSDeadline    = errors.New("javascript deadline")
	errJSOutputLimit = errors.New("javascript output limit")
	errJSTimerLimit  = errors.New("javascript timer limit")
	errJSAllocation  = errors.New("javascript allocation limit")
	errJSMemory      = errors.New("javascript memory budget")
)

// jsPrelude installs console over the host sink and bounds the string
// builders that can allocate arbitrarily large results in one call.
const jsPrelude = `(function (emit, oversize, maxLength) {
	function format(args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) {
			var arg = args[i];
			if (arg === undefined) {
				parts.push('undefined');
			} else if (arg !== null && typeof arg === 'object') {
				try {
					parts.push(JSON.stringify(arg, null, 2));
				} catch (e) {
					parts.push(String(arg));
				}
			} else {
				parts.push(String(arg));
			}
		}
		return parts.join(' ');
	}
	function sink(prefix) {
		return function () { emit(prefix + format(arguments)); };
	}
	globalThis.console = {
		log: sink(''),
		info: sink(''),
		debug: sink(''),
		warn: sink('Warning: '),
		error: sink('Error: ')
	};

	function bounded(name, size) {
		var original = String.prototype[name];
		Object.defineProperty(String.prototype, name, {
			value: function () {
				if (size(String(this), arguments) > maxLength) {
					oversize();
					throw new RangeError(name + ' result exceeds ' + maxLength + ' characters');
				}
				return original.apply(this, arguments);
			},
			writable: true,
			configurable: true
		});
	}
	bounded('repeat', function (s, args) { return s.length * Number(args[0]); });
	bounded('padStart', function (s, args) { return Number(args[0]); });
	bounded('padEnd', function (s, args) { return Number(args[0]); });
})`

// JavaScriptRunner evaluates ECMAScript snippets in a fresh goja VM per call.
// The global object carries only the language built-ins, console and
// virtual timers; there is no module loader, filesystem or network.
type JavaScriptRunner struct{}

func (JavaScriptRunner) Language() string {
	return "javascript"
}

func (JavaScriptRunner) Execute(ctx context.Context, code string, limits Limits) (string, error) {
	out := newOutputBuffer(limits.MaxOutputBytes)
	vm := goja.New()

	stop := context.AfterFunc(ctx, func() {
		if errors.Is(context.Cause(ctx), errMemoryBudget) {
			vm.Interrupt(errJSMemory)
			return
		}
		vm.Interrupt(errJSDeadline)
	})
	defer stop()

	timers := newJSTimers(vm)
	err := func() error {
		if err := installJSSandbox(vm, out, timers, limits); err != nil {
			return err
		}
		if _, err := vm.RunScript("snippet.js", code); err != nil {
			return err
		}
		return timers.drain()
	}()
	if err == nil {
		return out.String(), nil
	}
	return out.String(), classifyJSError(err, out, limits)
}

func installJSSandbox(vm *goja.Runtime, out *outputBuffer, timers *jsTimers, limits Limits) error {
	prelude, err := vm.RunString(jsPrelude)
	if err != nil {
		return fmt.Errorf("compile prelude: %w", err)
	}
	install, ok := goja.AssertFunction(prelude)
	if !ok {
		return errors.New("prelude is not a function")
	}
	emit := func(line string) {
		if err := out.writeLine(line); err != nil {
			vm.Interrupt(errJSOutputLimit)
		}
	}
	oversize := func() { vm.Interrupt(errJSAllocation) }
	if _, err := install(goja.Undefined(), vm.ToValue(emit), vm.ToValue(oversize), vm.ToValue(limits.MaxOutputBytes)); err != nil {
		return fmt.Errorf("install prelude: %w", err)
	}
	timers.install()
	return nil
}

func classifyJSError(err error, out *outputBuffer, limits Limits) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch interrupted.Value() {
		case errJSOutputLimit:
			return out.err()
		case errJSTimerLimit:
			return resourceExceeded(fmt.Sprintf("more than %d pending timers", maxPendingTimers))
		case errJSAllocation:
			return resourceExceeded(fmt.Sprintf("string result exceeds %d characters", limits.MaxOutputBytes))
		case errJSMemory:
			return memoryExceeded(limits)
		}
		return timedOut(limits)
	}
	if out.exceeded {
		return out.err()
	}
	if errors.Is(err, ErrResourceExceeded) {
		return err
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return runtimeError(exception.Value().String())
	}
	return runtimeError(err.Error())
}

// jsTimers is a virtual clock. Callbacks never run while the script is on
// the stack; drain fires them afterwards in due-time order, advancing the
// clock instantly instead of sleeping.
type jsTimers struct {
	vm      *goja.Runtime
	now     int64
	seq     int64
	pending map[int64]*jsTimer
}

type jsTimer struct {
	id       int64
	due      int64
	interval int64
	repeat   bool
	fn       goja.Callable
	args     []goja.Value
}

func newJSTimers(vm *goja.Runtime) *jsTimers {
	return &jsTimers{vm: vm, pending: make(map[int64]*jsTimer)}
}

func (t *jsTimers) install() {
	t.vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return t.schedule(call, false) })
	t.vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return t.schedule(call, true) })
	t.vm.Set("clearTimeout", t.clear)
	t.vm.Set("clearInterval", t.clear)
}

func (t *jsTimers) schedule(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(t.vm.NewTypeError("timer callback must be a function"))
	}
	if len(t.pending) >= maxPendingTimers {
		t.vm.Interrupt(errJSTimerLimit)
		return goja.Undefined()
	}
	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	if repeat && delay == 0 {
		delay = 1
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	t.seq++
	t.pending[t.seq] = &jsTimer{
		id:       t.seq,
		due:      t.now + delay,
		interval: delay,
		repeat:   repeat,
		fn:       fn,
		args:     args,
	}
	return t.vm.ToValue(t.seq)
}

func (t *jsTimers) clear(id int64) {
	delete(t.pending, id)
}

func (t *jsTimers) next() *jsTimer {
	timers := make([]*jsTimer, 0, len(t.pending))
	for _, timer := range t.pending {
		timers = append(timers, timer)
	}
	sort.Slice(timers, func(i, j int) bool {
		if timers[i].due != timers[j].due {
			return timers[i].due < timers[j].due
		}
		return timers[i].id < timers[j].id
	})
	return timers[0]
}

func (t *jsTimers) drain() error {
	for fired := 0; len(t.pending) > 0; fired++ {
		if fired >= maxTimerFires {
			return resourceExceeded(fmt.Sprintf("more than %d timer callbacks", maxTimerFires))
		}
		timer := t.next()
		t.now = timer.due
		if timer.repeat {
			timer.due = t.now + timer.interval
		} else {
			delete(t.pending, timer.id)
		}
		if _, err := timer.fn(goja.Undefined(), timer.args...); err != nil {
			return err
		}
	}
	return nil
}
