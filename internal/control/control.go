// Package control implements the control channel operations (spec §6:
// get_info, get_modinfo, add_task, rm_task) as a transport-independent
// Controller, plus a gRPC front end in grpcserver.go.
//
// Grounded on _examples/original_source/src/netmate/CtrlComm.cc, whose
// dispatch on req->path ("/get_info", "/get_modinfo", "/add_task",
// "/rm_task") over an embedded HTTP server is the direct ancestor of this
// package's four Controller methods; Controller itself carries no
// transport concern so it can be driven by gRPC (below), an HTTP mux, or
// tests equally.
package control

import (
	"fmt"
	"time"

	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/metrics"
	"github.com/netmate-project/meter-core/internal/rules"
)

// Code classifies a control-channel failure the way the original's
// CtrlComm threw Error objects carrying a message string; spec §9 flags
// exception-based control flow as unsuitable for Go, so Code gives
// callers (and the gRPC front end, which maps it to a grpc/codes.Code) a
// typed classification instead of string-sniffing an error.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeAlreadyExists
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the typed error every Controller method returns on failure.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Controller implements the control-channel operations of spec §6 against
// a rule manager and metric module registry.
type Controller struct {
	rules    *rules.Manager
	registry *metrics.Registry
	now      func() time.Time
}

// NewController constructs a Controller. now defaults to time.Now if nil,
// overridable in tests for deterministic add_task scheduling decisions.
func NewController(m *rules.Manager, registry *metrics.Registry, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{rules: m, registry: registry, now: now}
}

// GetInfo answers "/get_info": itype "rules" returns every installed rule
// (param empty) or those whose set name glob-matches param; no other
// itype is currently recognized.
func (c *Controller) GetInfo(itype, param string) ([]*classifier.Rule, error) {
	switch itype {
	case "rules":
		if param == "" {
			return c.rules.GetInfo(), nil
		}
		out, err := c.rules.Match(param)
		if err != nil {
			return nil, wrapf(CodeInvalidArgument, "get_info", "%w", err)
		}
		return out, nil
	default:
		return nil, wrapf(CodeInvalidArgument, "get_info", "unknown info type %q", itype)
	}
}

// GetModInfo answers "/get_modinfo": the exported field schema of the
// named metric module, obtained by instantiating and immediately
// discarding an instance (the original's getModInfo queries a loaded
// module's get_type_info without attaching it to any flow).
func (c *Controller) GetModInfo(name string) ([]metrics.FieldInfo, error) {
	m, err := c.registry.New(name, nil)
	if err != nil {
		return nil, wrapf(CodeNotFound, "get_modinfo", "%w", err)
	}
	defer m.DestroyModule()
	return m.TypeInfo(), nil
}

// AddTask answers "/add_task": validates and installs r, returning its
// assigned id.
func (c *Controller) AddTask(r *classifier.Rule) (uint32, error) {
	if err := c.rules.AddTask(r, c.now()); err != nil {
		return 0, wrapf(CodeInvalidArgument, "add_task", "%w", err)
	}
	return r.ID, nil
}

// RmTask answers "/rm_task": removes the rule with the given id regardless
// of its lifecycle state.
func (c *Controller) RmTask(id uint32) error {
	if err := c.rules.RmTask(id); err != nil {
		return wrapf(CodeNotFound, "rm_task", "%w", err)
	}
	return nil
}
