package event

import (
	"fmt"
	"reflect"
	"runtime"
)

// Identity is the key of a timed region: either the address of a statically
// known call site, or a name chosen at runtime, never both. The zero value is
// an invalid identity. Identity is comparable, and may be used as a map key.
type Identity struct {
	name  string
	addr  uintptr
	named bool
}

// AddressOf identifies a region by a stable code address.
func AddressOf(addr uintptr) Identity {
	return Identity{addr: addr}
}

// Named identifies a region by name.
func Named(name string) Identity {
	return Identity{name: name, named: true}
}

// FuncIdentity identifies a region by the entry address of fn, which must be
// a func value. Any other value yields the zero Identity.
func FuncIdentity(fn any) Identity {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return Identity{}
	}
	return AddressOf(v.Pointer())
}

// IsZero reports whether x is neither an address nor a name.
func (x Identity) IsZero() bool { return !x.named && x.addr == 0 }

// IsName reports whether x is name based.
func (x Identity) IsName() bool { return x.named }

// Address returns the code address, or 0 for name based identities.
func (x Identity) Address() uintptr { return x.addr }

// Name returns the name, or "" for address based identities.
func (x Identity) Name() string { return x.name }

// Key is a stable string form of x, unique across names and addresses.
func (x Identity) Key() string {
	if x.named {
		return "name:" + x.name
	}
	return fmt.Sprintf("addr:%#x", x.addr)
}

// String returns the name, resolving addresses to a symbol where possible.
func (x Identity) String() string {
	if x.named {
		return x.name
	}
	if x.addr == 0 {
		return "<none>"
	}
	if fn := runtime.FuncForPC(x.addr); fn != nil {
		return fn.Name()
	}
	return fmt.Sprintf("0x%x", x.addr)
}
