package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"s7gate/driver"
	"s7gate/s7"
)

// DefaultMaxRequestLength bounds the byte length of a grouped request.
const DefaultMaxRequestLength = 200

// connection maps one variable onto its byte range within a request.
type connection struct {
	variable      *Variable
	requestOffset int
	length        int
}

// Request is a contiguous read or write over one area (and DB) carrying the
// variables mapped onto its byte range.
type Request struct {
	id        string
	source    DriverSource
	area      s7.Area
	dbNumber  int
	write     bool
	maxLength int

	mu        sync.Mutex
	offset    int
	hasOffset bool
	length    int
	conns     []connection
	ids       map[string]struct{}
	action    driver.Action
}

// NewRequest creates an empty request. dbNumber is ignored outside the DB area.
func NewRequest(source DriverSource, area s7.Area, dbNumber int, write bool, maxLength int) (*Request, error) {
	if !area.Valid() {
		return nil, fmt.Errorf("%w: unknown area %d", ErrValidation, int(area))
	}
	if source == nil {
		return nil, fmt.Errorf("%w: request needs a driver source", ErrValidation)
	}
	if area != s7.AreaDB {
		dbNumber = 0
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxRequestLength
	}
	return &Request{
		id:        uuid.NewString(),
		source:    source,
		area:      area,
		dbNumber:  dbNumber,
		write:     write,
		maxLength: maxLength,
		ids:       make(map[string]struct{}),
	}, nil
}

// ID returns the request id.
func (r *Request) ID() string { return r.id }

// Area returns the memory area the request addresses.
func (r *Request) Area() s7.Area { return r.area }

// DBNumber returns the data block number, 0 outside the DB area.
func (r *Request) DBNumber() int { return r.dbNumber }

// IsWrite reports whether the request writes to the PLC.
func (r *Request) IsWrite() bool { return r.write }

// MaxLength returns the byte bound of the request.
func (r *Request) MaxLength() int { return r.maxLength }

// Offset returns the start offset, or -1 while the request is empty.
func (r *Request) Offset() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasOffset {
		return -1
	}
	return r.offset
}

// Length returns the total byte length of the constituent variables.
func (r *Request) Length() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// Variables returns the constituent variables in connection order.
func (r *Request) Variables() []*Variable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Variable, len(r.conns))
	for i, c := range r.conns {
		out[i] = c.variable
	}
	return out
}

// CanAdd reports whether v can be appended: same area (and DB), not yet
// present, and either the request is empty or v starts exactly where the
// request ends without exceeding the max length.
func (r *Request) CanAdd(v *Variable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canAddLocked(v)
}

func (r *Request) canAddLocked(v *Variable) bool {
	if v.Area() != r.area {
		return false
	}
	if r.area == s7.AreaDB && v.DBNumber() != r.dbNumber {
		return false
	}
	if _, ok := r.ids[v.ID()]; ok {
		return false
	}
	if !r.hasOffset {
		return true
	}
	return r.length+v.Length() <= r.maxLength && v.Offset() == r.offset+r.length
}

// AddVariable appends v and recomputes the action.
func (r *Request) AddVariable(v *Variable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.canAddLocked(v) {
		return fmt.Errorf("%w: %s at %s", ErrCannotAdd, v.ID(), v.Address())
	}
	if !r.hasOffset {
		r.offset = v.Offset()
		r.hasOffset = true
	}
	length := v.Length()
	r.conns = append(r.conns, connection{variable: v, requestOffset: r.length, length: length})
	r.ids[v.ID()] = struct{}{}
	r.length += length
	r.updateActionLocked()
	return nil
}

// UpdateAction recomputes the deferred driver action. Write requests capture
// the current data of every variable in connection order.
func (r *Request) UpdateAction() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateActionLocked()
}

func (r *Request) updateActionLocked() {
	drv := r.source.Driver()
	if drv == nil {
		r.action = func() ([]byte, error) { return nil, driver.ErrNotActive }
		return
	}
	if !r.write {
		r.action = drv.CreateGetDataAction(r.area, r.offset, r.length, r.dbNumber)
		return
	}
	buf := make([]byte, 0, r.length)
	for _, c := range r.conns {
		buf = append(buf, c.variable.Data()...)
	}
	r.action = drv.CreateSetDataAction(r.area, r.offset, buf, r.length, r.dbNumber)
}

// Action rebuilds and returns the action against the source's current driver
// and, for writes, the variables' current data.
func (r *Request) Action() driver.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateActionLocked()
	return r.action
}

// SetResponseData slices data across the constituent variables.
func (r *Request) SetResponseData(data []byte) error {
	r.mu.Lock()
	conns := append([]connection(nil), r.conns...)
	length := r.length
	r.mu.Unlock()

	if data == nil {
		return fmt.Errorf("%w: no data", ErrResponseLength)
	}
	if len(data) != length {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrResponseLength, len(data), length)
	}
	for _, c := range conns {
		if err := c.variable.SetData(data[c.requestOffset : c.requestOffset+c.length]); err != nil {
			return err
		}
	}
	return nil
}
