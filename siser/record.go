// Package siser serializes small key/value records in a format that is
// easy to parse and readable when you cat the file on the server.
//
// Short values are written as "key: value\n". Values that are empty,
// longer than 120 chars or not printable ASCII are written as
// "key:+$len\n" followed by the raw value and a newline.
package siser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

type Entry struct {
	Key   string
	Value string
}

// Record is a list of key/value pairs
type Record struct {
	buf     bytes.Buffer
	Entries []Entry
}

func toStr(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprintf("%v", v)
}

// Write appends key/value pairs. Values are converted with %v
// unless they are strings, ints or fmt.Stringer.
func (r *Record) Write(args ...any) error {
	n := len(args)
	if n == 0 || n%2 != 0 {
		return fmt.Errorf("invalid number of args: %d. Should be multiple of 2", n)
	}
	for i := 0; i < n; i += 2 {
		k := toStr(args[i])
		if k == "" || strings.ContainsAny(k, ":\n") {
			return fmt.Errorf("invalid key '%s'", k)
		}
		r.Entries = append(r.Entries, Entry{Key: k, Value: toStr(args[i+1])})
	}
	return nil
}

func (r *Record) Reset() {
	r.buf.Reset()
	r.Entries = r.Entries[:0]
}

// Get returns a value for a given key
func (r *Record) Get(key string) (string, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func needsLongFormat(s string) bool {
	if len(s) == 0 || len(s) > 120 {
		return true
	}
	for i := 0; i < len(s); i++ {
		if b := s[i]; b < 32 || b > 127 {
			return true
		}
	}
	return false
}

// Marshal returns serialized entries, valid until the next Reset or Marshal
func (r *Record) Marshal() []byte {
	r.buf.Reset()
	for _, e := range r.Entries {
		r.buf.WriteString(e.Key)
		if !needsLongFormat(e.Value) {
			r.buf.WriteString(": ")
			r.buf.WriteString(e.Value)
			r.buf.WriteByte('\n')
			continue
		}
		r.buf.WriteString(":+")
		r.buf.WriteString(strconv.Itoa(len(e.Value)))
		r.buf.WriteByte('\n')
		r.buf.WriteString(e.Value)
		r.buf.WriteByte('\n')
	}
	return r.buf.Bytes()
}

// Unmarshal replaces entries of r with those decoded from d
func (r *Record) Unmarshal(d []byte) error {
	r.Reset()
	for len(d) > 0 {
		idx := bytes.IndexByte(d, '\n')
		if idx == -1 {
			return fmt.Errorf("missing '\\n' at the end of '%s'", d)
		}
		line := d[:idx]
		d = d[idx+1:]
		idx = bytes.IndexByte(line, ':')
		if idx < 1 || idx == len(line)-1 {
			return fmt.Errorf("line in unrecognized format: '%s'", line)
		}
		key := string(line[:idx])
		kind, val := line[idx+1], line[idx+2:]
		switch kind {
		case ' ':
			r.Entries = append(r.Entries, Entry{Key: key, Value: string(val)})
		case '+':
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return err
			}
			if n < 0 || n > len(d) {
				return fmt.Errorf("invalid length %d of value for key '%s', have %d bytes", n, key, len(d))
			}
			r.Entries = append(r.Entries, Entry{Key: key, Value: string(d[:n])})
			d = d[n:]
			if len(d) > 0 && d[0] == '\n' {
				d = d[1:]
			}
		default:
			return fmt.Errorf("line in unrecognized format: '%s'", line)
		}
	}
	return nil
}
