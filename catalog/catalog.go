// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines an ordered registry of procedure names and
// signatures, shared by the server and client sides of a connection.
//
// Procedure names are not exchanged on the wire. A procedure is identified by
// its position in the catalog, so the server and the client must add the
// same procedures in the same order.
//
// # Usage
//
// Construct a new empty catalog and add procedures to it:
//
//	cat := catalog.New().
//	   Add("Sum", variant.MustParse("I"), variant.MustParse("i")).
//	   Add("Echo", variant.MustParse("s"), variant.MustParse("s"))
//
// Add assigns IDs in order, starting from 0. To recover the assigned ID use
// the Lookup method:
//
//	id, ok := cat.Lookup("Echo") // 1, true
//
// A Catalog can describe itself as a vector of strings, for example to serve
// it from a procedure so that a remote peer can discover what is available:
//
//	desc := cat.Describe()
//	cat2, err := catalog.Parse(desc)
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/creachadair/rpcmple/variant"
)

// MaxEntries is the largest number of procedures a catalog can hold.
const MaxEntries = 256

// An Entry describes one procedure in a catalog.
type Entry struct {
	ID      int
	Name    string
	Args    variant.Signature
	Returns variant.Signature
}

// String returns the descriptor of e, which has the form "name:args:returns".
func (e Entry) String() string { return e.Name + ":" + e.Args.String() + ":" + e.Returns.String() }

// A Catalog is an ordered mapping from procedure names to IDs and signatures.
// A Catalog is safe for concurrent use by multiple goroutines.
type Catalog struct {
	μ       sync.RWMutex
	entries []Entry
	index   map[string]int
}

// New creates a new empty catalog.
func New() *Catalog { return &Catalog{index: make(map[string]int)} }

// Add adds a procedure to c with the next unused ID, and returns c to allow
// chaining. It panics if name is empty, contains a colon, is already present
// in c, or if c already has MaxEntries procedures.
func (c *Catalog) Add(name string, args, returns variant.Signature) *Catalog {
	if _, err := c.Insert(name, args, returns); err != nil {
		panic(err.Error())
	}
	return c
}

// Insert adds a procedure to c with the next unused ID and returns its entry.
func (c *Catalog) Insert(name string, args, returns variant.Signature) (Entry, error) {
	if name == "" || strings.Contains(name, ":") {
		return Entry{}, fmt.Errorf("invalid procedure name %q", name)
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.index[name]; ok {
		return Entry{}, fmt.Errorf("duplicate procedure %q", name)
	} else if len(c.entries) >= MaxEntries {
		return Entry{}, fmt.Errorf("too many procedures (max %d)", MaxEntries)
	}
	e := Entry{ID: len(c.entries), Name: name, Args: args, Returns: returns}
	c.entries = append(c.entries, e)
	c.index[name] = e.ID
	return e, nil
}

// Lookup returns the ID assigned to name, and reports whether it was found.
func (c *Catalog) Lookup(name string) (int, bool) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	id, ok := c.index[name]
	return id, ok
}

// Entry returns the entry with the given ID, and reports whether it exists.
func (c *Catalog) Entry(id int) (Entry, bool) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	if id < 0 || id >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[id], true
}

// Len reports the number of procedures in c.
func (c *Catalog) Len() int {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return len(c.entries)
}

// Names returns the names of the procedures in c, in ID order.
func (c *Catalog) Names() []string {
	c.μ.RLock()
	defer c.μ.RUnlock()
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Name
	}
	return out
}

// Describe returns the descriptors of the procedures in c, in ID order.
func (c *Catalog) Describe() variant.Strings {
	c.μ.RLock()
	defer c.μ.RUnlock()
	out := make(variant.Strings, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.String()
	}
	return out
}

// Parse constructs a catalog from descriptors in the format returned by
// Describe.
func Parse(desc variant.Strings) (*Catalog, error) {
	c := New()
	for i, d := range desc {
		parts := strings.Split(d, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("descriptor %d: malformed %q", i, d)
		}
		args, err := variant.ParseSignature(parts[1])
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: arguments: %w", i, err)
		}
		rets, err := variant.ParseSignature(parts[2])
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: returns: %w", i, err)
		}
		if _, err := c.Insert(parts[0], args, rets); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
	}
	return c, nil
}

// Handler is a procedure handler that reports the descriptors of c. It takes
// no arguments and returns a single "S" value.
func (c *Catalog) Handler(context.Context, variant.Vector) (variant.Vector, error) {
	return variant.Vector{c.Describe()}, nil
}
