package process

import "context"

// Workfunction is a plain function run directly and synchronously.
// It has no resumable record and cannot be submitted.
type Workfunction func(ctx context.Context, in Inputs) (Outputs, error)

// Kind discriminates an Executable.
type Kind int

const (
	KindWorkfunction Kind = iota + 1
	KindProcess
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindWorkfunction:
		return "workfunction"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Executable is either a workfunction or a process definition.
// Build one with Func or Class.
type Executable struct {
	kind Kind
	name string
	fn   Workfunction
	def  *Definition
}

// Func wraps a workfunction.
func Func(name string, fn Workfunction) Executable {
	return Executable{kind: KindWorkfunction, name: name, fn: fn}
}

// Class wraps a process definition.
func Class(def *Definition) Executable {
	return Executable{kind: KindProcess, name: def.Name, def: def}
}

// Kind returns which variant e holds.
func (e Executable) Kind() Kind { return e.kind }

// IsWorkfunction reports whether e wraps a workfunction.
func (e Executable) IsWorkfunction() bool { return e.kind == KindWorkfunction }

// Name returns the workfunction or definition name.
func (e Executable) Name() string { return e.name }

// Workfunction returns the wrapped function, nil for a process.
func (e Executable) Workfunction() Workfunction { return e.fn }

// Definition returns the wrapped definition, nil for a workfunction.
func (e Executable) Definition() *Definition { return e.def }
