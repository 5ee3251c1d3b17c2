// Package bytecode models the Tern module container: classes, fields, and
// method bodies made of 16-bit code units. The compiler treats a loaded
// container as immutable; many compilations may read it concurrently.
package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/mod/semver"
)

// FormatVersion is the container format this build reads and writes.
// Containers with a different major version are rejected at load time.
const FormatVersion = "1.2.0"

var (
	// ErrMalformed marks bytecode that cannot be decoded. A method whose body
	// trips this is skipped by the compiler; the container itself failing to
	// load is a hard error for the driver.
	ErrMalformed = errors.New("bytecode: malformed")

	magic = [4]byte{'T', 'E', 'R', 'N'}
)

// Flags are method access flags.
type Flags uint16

const (
	FlagStatic Flags = 1 << iota
	FlagFinal
	FlagNative
	FlagAbstract
)

// Method is one method body plus the register metadata the compiler needs.
// Incoming arguments occupy the highest-numbered virtual registers.
type Method struct {
	Name        string
	ClassIdx    uint16
	MethodIdx   uint16
	AccessFlags Flags
	NumVRegs    uint16 // total registers, arguments included
	NumIns      uint16 // argument registers
	Code        []uint16
}

// Field describes an instance field by its byte offset within the object.
type Field struct {
	Name   string
	Offset uint16
}

// Class groups fields and methods.
type Class struct {
	Name    string
	Fields  []Field
	Methods []Method
}

// Container is a loaded module file. Field and method indices used by
// bytecode are positions in the flat Fields/Methods tables, assigned in
// declaration order across all classes.
type Container struct {
	Version string
	Classes []Class

	methods []*Method
	fields  []*Field
}

// Resolver is the read-only symbol view the compiler uses. It must not be
// mutated while compilations are in flight.
type Resolver interface {
	// ResolveMethod returns the method behind a method index, or false when
	// the index is dangling.
	ResolveMethod(idx uint16) (*Method, bool)
	// ResolveField returns the object byte offset behind a field index.
	ResolveField(idx uint16) (uint16, bool)
}

// Index (re)builds the flat lookup tables. Called by Load and by tests that
// construct containers in memory.
func (c *Container) Index() {
	c.methods = c.methods[:0]
	c.fields = c.fields[:0]
	for ci := range c.Classes {
		cl := &c.Classes[ci]
		for fi := range cl.Fields {
			c.fields = append(c.fields, &cl.Fields[fi])
		}
		for mi := range cl.Methods {
			m := &cl.Methods[mi]
			m.ClassIdx = uint16(ci)
			m.MethodIdx = uint16(len(c.methods))
			c.methods = append(c.methods, m)
		}
	}
}

// ResolveMethod implements Resolver.
func (c *Container) ResolveMethod(idx uint16) (*Method, bool) {
	if int(idx) >= len(c.methods) {
		return nil, false
	}
	return c.methods[idx], true
}

// ResolveField implements Resolver.
func (c *Container) ResolveField(idx uint16) (uint16, bool) {
	if int(idx) >= len(c.fields) {
		return 0, false
	}
	return c.fields[idx].Offset, true
}

// Methods returns the flat method table in index order.
func (c *Container) Methods() []*Method { return c.methods }

// Write serializes the container. Layout is little-endian throughout: magic,
// version string, class count, then per class its name, fields, and methods.
func (c *Container) Write(w io.Writer) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := writeString(w, c.Version); err != nil {
		return err
	}
	if err := writeU16(w, uint16(len(c.Classes))); err != nil {
		return err
	}
	for _, cl := range c.Classes {
		if err := writeString(w, cl.Name); err != nil {
			return err
		}
		if err := writeU16(w, uint16(len(cl.Fields))); err != nil {
			return err
		}
		for _, f := range cl.Fields {
			if err := writeString(w, f.Name); err != nil {
				return err
			}
			if err := writeU16(w, f.Offset); err != nil {
				return err
			}
		}
		if err := writeU16(w, uint16(len(cl.Methods))); err != nil {
			return err
		}
		for _, m := range cl.Methods {
			if err := writeString(w, m.Name); err != nil {
				return err
			}
			for _, v := range []uint16{uint16(m.AccessFlags), m.NumVRegs, m.NumIns, uint16(len(m.Code))} {
				if err := writeU16(w, v); err != nil {
					return err
				}
			}
			for _, u := range m.Code {
				if err := writeU16(w, u); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load reads a container and indexes it. The format version must share a
// major version with FormatVersion.
func Load(r io.Reader) (*Container, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, fmt.Errorf("bytecode: reading magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, got)
	}
	version, err := readString(r)
	if err != nil {
		return nil, err
	}
	if !semver.IsValid("v" + version) {
		return nil, fmt.Errorf("%w: invalid format version %q", ErrMalformed, version)
	}
	if semver.Major("v"+version) != semver.Major("v"+FormatVersion) {
		return nil, fmt.Errorf("bytecode: unsupported format version %s (built for %s)", version, FormatVersion)
	}

	c := &Container{Version: version}
	nClasses, err := readU16(r)
	if err != nil {
		return nil, err
	}
	for ci := 0; ci < int(nClasses); ci++ {
		var cl Class
		if cl.Name, err = readString(r); err != nil {
			return nil, err
		}
		nFields, err := readU16(r)
		if err != nil {
			return nil, err
		}
		for fi := 0; fi < int(nFields); fi++ {
			var f Field
			if f.Name, err = readString(r); err != nil {
				return nil, err
			}
			if f.Offset, err = readU16(r); err != nil {
				return nil, err
			}
			cl.Fields = append(cl.Fields, f)
		}
		nMethods, err := readU16(r)
		if err != nil {
			return nil, err
		}
		for mi := 0; mi < int(nMethods); mi++ {
			var m Method
			if m.Name, err = readString(r); err != nil {
				return nil, err
			}
			var flags, codeLen uint16
			for _, dst := range []*uint16{&flags, &m.NumVRegs, &m.NumIns, &codeLen} {
				if *dst, err = readU16(r); err != nil {
					return nil, err
				}
			}
			m.AccessFlags = Flags(flags)
			if m.NumIns > m.NumVRegs {
				return nil, fmt.Errorf("%w: method %s has %d ins but only %d registers",
					ErrMalformed, m.Name, m.NumIns, m.NumVRegs)
			}
			m.Code = make([]uint16, codeLen)
			for i := range m.Code {
				if m.Code[i], err = readU16(r); err != nil {
					return nil, err
				}
			}
			cl.Methods = append(cl.Methods, m)
		}
		c.Classes = append(c.Classes, cl)
	}
	c.Index()
	return c, nil
}

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("bytecode: short read: %w", err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("bytecode: string too long (%d bytes)", len(s))
	}
	if err := writeU16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("bytecode: short string read: %w", err)
	}
	return string(buf), nil
}
