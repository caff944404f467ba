// Package data implements the tagged-union value universe carried by
// publications and store entries (spec §3 "Data universe").
package data

import (
	"encoding/gob"
	"net"
	"sort"
	"time"
)

// init registers every concrete Value alternative with encoding/gob so
// that Value-typed struct fields (store entries, publications) can be
// gob-encoded through their interface type on the wire (see broker/wire).
func init() {
	gob.Register(Nil{})
	gob.Register(Bool(false))
	gob.Register(Int(0))
	gob.Register(Count(0))
	gob.Register(Real(0))
	gob.Register(String(""))
	gob.Register(Address{})
	gob.Register(Subnet{})
	gob.Register(Port{})
	gob.Register(Time{})
	gob.Register(Duration{})
	gob.Register(Enum(""))
	gob.Register(Set{})
	gob.Register(Vector{})
	gob.Register(Table{})
	gob.Register(Record{})
}

// Kind identifies which alternative of the Data sum a Value holds.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindCount
	KindReal
	KindString
	KindAddress
	KindSubnet
	KindPort
	KindTime
	KindDuration
	KindEnum
	KindSet
	KindTable
	KindVector
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindCount:
		return "count"
	case KindReal:
		return "real"
	case KindString:
		return "string"
	case KindAddress:
		return "address"
	case KindSubnet:
		return "subnet"
	case KindPort:
		return "port"
	case KindTime:
		return "time"
	case KindDuration:
		return "duration"
	case KindEnum:
		return "enum"
	case KindSet:
		return "set"
	case KindTable:
		return "table"
	case KindVector:
		return "vector"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Value is one alternative of the Data tagged sum. The set of
// implementations below is closed: sealed via the unexported valueTag
// method so external packages cannot add new alternatives, mirroring
// the closed `broker::data` variant in original_source.
type Value interface {
	Kind() Kind
	// Equal reports structural equality.
	Equal(other Value) bool
	// Less orders values by Kind first and then structurally within a
	// kind (containers by length, then element by element); Set keeps
	// its Items sorted by it.
	Less(other Value) bool
	valueTag()
}

// Nil is the absence of a value.
type Nil struct{}

func (Nil) Kind() Kind                { return KindNil }
func (Nil) valueTag()                 {}
func (Nil) Equal(o Value) bool        { _, ok := o.(Nil); return ok }
func (Nil) Less(o Value) bool         { return KindNil < o.Kind() }

// Bool wraps a boolean.
type Bool bool

func (Bool) valueTag() {}
func (Bool) Kind() Kind { return KindBool }
func (b Bool) Equal(o Value) bool {
	ob, ok := o.(Bool)
	return ok && b == ob
}
func (b Bool) Less(o Value) bool {
	if ob, ok := o.(Bool); ok {
		return !bool(b) && bool(ob)
	}
	return KindBool < o.Kind()
}

// Int wraps a signed integer.
type Int int64

func (Int) valueTag() {}
func (Int) Kind() Kind { return KindInt }
func (i Int) Equal(o Value) bool {
	oi, ok := o.(Int)
	return ok && i == oi
}
func (i Int) Less(o Value) bool {
	if oi, ok := o.(Int); ok {
		return i < oi
	}
	return KindInt < o.Kind()
}

// Count wraps an unsigned integer (distinct from Int, as in the source
// data model, so increment() can distinguish sign-sensitive arithmetic).
type Count uint64

func (Count) valueTag() {}
func (Count) Kind() Kind { return KindCount }
func (c Count) Equal(o Value) bool {
	oc, ok := o.(Count)
	return ok && c == oc
}
func (c Count) Less(o Value) bool {
	if oc, ok := o.(Count); ok {
		return c < oc
	}
	return KindCount < o.Kind()
}

// Real wraps a floating point number.
type Real float64

func (Real) valueTag() {}
func (Real) Kind() Kind { return KindReal }
func (r Real) Equal(o Value) bool {
	or, ok := o.(Real)
	return ok && r == or
}
func (r Real) Less(o Value) bool {
	if or, ok := o.(Real); ok {
		return r < or
	}
	return KindReal < o.Kind()
}

// String wraps a UTF-8 string.
type String string

func (String) valueTag() {}
func (String) Kind() Kind { return KindString }
func (s String) Equal(o Value) bool {
	os, ok := o.(String)
	return ok && s == os
}
func (s String) Less(o Value) bool {
	if os, ok := o.(String); ok {
		return s < os
	}
	return KindString < o.Kind()
}

// Address wraps an IP address.
type Address struct{ IP net.IP }

func (Address) valueTag() {}
func (Address) Kind() Kind { return KindAddress }
func (a Address) Equal(o Value) bool {
	oa, ok := o.(Address)
	return ok && a.IP.Equal(oa.IP)
}
func (a Address) Less(o Value) bool {
	oa, ok := o.(Address)
	if !ok {
		return KindAddress < o.Kind()
	}
	return string(a.IP) < string(oa.IP)
}

// Subnet wraps a CIDR network.
type Subnet struct{ Net net.IPNet }

func (Subnet) valueTag() {}
func (Subnet) Kind() Kind { return KindSubnet }
func (s Subnet) Equal(o Value) bool {
	os, ok := o.(Subnet)
	return ok && s.Net.String() == os.Net.String()
}
func (s Subnet) Less(o Value) bool {
	os, ok := o.(Subnet)
	if !ok {
		return KindSubnet < o.Kind()
	}
	return s.Net.String() < os.Net.String()
}

// Port wraps a transport-layer port plus protocol tag ("tcp"/"udp"/"icmp").
type Port struct {
	Number uint16
	Proto  string
}

func (Port) valueTag() {}
func (Port) Kind() Kind { return KindPort }
func (p Port) Equal(o Value) bool {
	op, ok := o.(Port)
	return ok && p == op
}
func (p Port) Less(o Value) bool {
	op, ok := o.(Port)
	if !ok {
		return KindPort < o.Kind()
	}
	if p.Number != op.Number {
		return p.Number < op.Number
	}
	return p.Proto < op.Proto
}

// Time wraps an absolute point in time.
type Time struct{ T time.Time }

func (Time) valueTag() {}
func (Time) Kind() Kind { return KindTime }
func (t Time) Equal(o Value) bool {
	ot, ok := o.(Time)
	return ok && t.T.Equal(ot.T)
}
func (t Time) Less(o Value) bool {
	ot, ok := o.(Time)
	if !ok {
		return KindTime < o.Kind()
	}
	return t.T.Before(ot.T)
}

// Duration wraps a time span.
type Duration struct{ D time.Duration }

func (Duration) valueTag() {}
func (Duration) Kind() Kind { return KindDuration }
func (d Duration) Equal(o Value) bool {
	od, ok := o.(Duration)
	return ok && d.D == od.D
}
func (d Duration) Less(o Value) bool {
	od, ok := o.(Duration)
	if !ok {
		return KindDuration < o.Kind()
	}
	return d.D < od.D
}

// Enum wraps a named enumerator.
type Enum string

func (Enum) valueTag() {}
func (Enum) Kind() Kind { return KindEnum }
func (e Enum) Equal(o Value) bool {
	oe, ok := o.(Enum)
	return ok && e == oe
}
func (e Enum) Less(o Value) bool {
	oe, ok := o.(Enum)
	if !ok {
		return KindEnum < o.Kind()
	}
	return e < oe
}

// Set is an unordered collection of distinct Values. Items is kept sorted
// by Less for deterministic iteration, equality checks, and gob encoding
// (gob only encodes exported fields, so unlike a map-backed set this
// field must be exported to round-trip over the wire).
type Set struct{ Items []Value }

func NewSet(items ...Value) Set {
	s := Set{}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

func (Set) valueTag() {}
func (Set) Kind() Kind { return KindSet }

func (s *Set) Add(v Value) bool {
	i := sort.Search(len(s.Items), func(i int) bool { return !s.Items[i].Less(v) })
	if i < len(s.Items) && s.Items[i].Equal(v) {
		return false
	}
	s.Items = append(s.Items, nil)
	copy(s.Items[i+1:], s.Items[i:])
	s.Items[i] = v
	return true
}

func (s *Set) Remove(v Value) bool {
	i := sort.Search(len(s.Items), func(i int) bool { return !s.Items[i].Less(v) })
	if i < len(s.Items) && s.Items[i].Equal(v) {
		s.Items = append(s.Items[:i], s.Items[i+1:]...)
		return true
	}
	return false
}

func (s Set) Len() int { return len(s.Items) }

func (s Set) Equal(o Value) bool {
	os, ok := o.(Set)
	if !ok || len(s.Items) != len(os.Items) {
		return false
	}
	for i := range s.Items {
		if !s.Items[i].Equal(os.Items[i]) {
			return false
		}
	}
	return true
}

func (s Set) Less(o Value) bool {
	os, ok := o.(Set)
	if !ok {
		return KindSet < o.Kind()
	}
	if len(s.Items) != len(os.Items) {
		return len(s.Items) < len(os.Items)
	}
	for i := range s.Items {
		if !s.Items[i].Equal(os.Items[i]) {
			return s.Items[i].Less(os.Items[i])
		}
	}
	return false
}

// Vector is an ordered, possibly-repeating sequence of Values.
type Vector struct{ Items []Value }

func (Vector) valueTag() {}
func (Vector) Kind() Kind { return KindVector }
func (v Vector) Equal(o Value) bool {
	ov, ok := o.(Vector)
	if !ok || len(v.Items) != len(ov.Items) {
		return false
	}
	for i := range v.Items {
		if !v.Items[i].Equal(ov.Items[i]) {
			return false
		}
	}
	return true
}
func (v Vector) Less(o Value) bool {
	ov, ok := o.(Vector)
	if !ok {
		return KindVector < o.Kind()
	}
	if len(v.Items) != len(ov.Items) {
		return len(v.Items) < len(ov.Items)
	}
	for i := range v.Items {
		if !v.Items[i].Equal(ov.Items[i]) {
			return v.Items[i].Less(ov.Items[i])
		}
	}
	return false
}

// TableEntry is one key/value pair of a Table.
type TableEntry struct {
	Key Value
	Val Value
}

// Table is a mapping from Value keys to Value values. Entries is the
// gob-visible storage; Get/Set do a linear scan, which is appropriate for
// the small tables store commands realistically carry (large tables live
// in a Backend, not inline in a single Data value).
type Table struct{ Entries []TableEntry }

func NewTable() Table { return Table{} }

func (Table) valueTag() {}
func (Table) Kind() Kind { return KindTable }

func (t *Table) Set(k, v Value) {
	for i := range t.Entries {
		if t.Entries[i].Key.Equal(k) {
			t.Entries[i].Val = v
			return
		}
	}
	t.Entries = append(t.Entries, TableEntry{Key: k, Val: v})
}

func (t Table) Get(k Value) (Value, bool) {
	for _, e := range t.Entries {
		if e.Key.Equal(k) {
			return e.Val, true
		}
	}
	return nil, false
}

func (t Table) Len() int { return len(t.Entries) }

func (t Table) Equal(o Value) bool {
	ot, ok := o.(Table)
	if !ok || len(t.Entries) != len(ot.Entries) {
		return false
	}
	for _, e := range t.Entries {
		ov, ok := ot.Get(e.Key)
		if !ok || !e.Val.Equal(ov) {
			return false
		}
	}
	return true
}

func (t Table) Less(o Value) bool {
	ot, ok := o.(Table)
	if !ok {
		return KindTable < o.Kind()
	}
	if len(t.Entries) != len(ot.Entries) {
		return len(t.Entries) < len(ot.Entries)
	}
	a := append([]TableEntry(nil), t.Entries...)
	b := append([]TableEntry(nil), ot.Entries...)
	sort.Slice(a, func(i, j int) bool { return a[i].Key.Less(a[j].Key) })
	sort.Slice(b, func(i, j int) bool { return b[i].Key.Less(b[j].Key) })
	for i := range a {
		if !a[i].Key.Equal(b[i].Key) {
			return a[i].Key.Less(b[i].Key)
		}
		if !a[i].Val.Equal(b[i].Val) {
			return a[i].Val.Less(b[i].Val)
		}
	}
	return false
}

// Record is a fixed-arity tuple of heterogeneous Values.
type Record struct{ Fields []Value }

func (Record) valueTag() {}
func (Record) Kind() Kind { return KindRecord }
func (r Record) Equal(o Value) bool {
	or, ok := o.(Record)
	if !ok || len(r.Fields) != len(or.Fields) {
		return false
	}
	for i := range r.Fields {
		if !r.Fields[i].Equal(or.Fields[i]) {
			return false
		}
	}
	return true
}
func (r Record) Less(o Value) bool {
	or, ok := o.(Record)
	if !ok {
		return KindRecord < o.Kind()
	}
	if len(r.Fields) != len(or.Fields) {
		return len(r.Fields) < len(or.Fields)
	}
	for i := range r.Fields {
		if !r.Fields[i].Equal(or.Fields[i]) {
			return r.Fields[i].Less(or.Fields[i])
		}
	}
	return false
}
