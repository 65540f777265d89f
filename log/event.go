package log

import (
	"fmt"
	"reflect"
	"time"

	"github.com/aulaforms/aulaforms/siser"
	"github.com/toon-format/toon-go"
)

func keyToStr(v any) string {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Array, reflect.Slice, reflect.Struct, reflect.Map, reflect.Chan, reflect.Interface, reflect.Pointer:
		panic(fmt.Sprintf("log.Event: key %v is of kind %v", v, reflect.TypeOf(v).Kind()))
	case reflect.String:
		return v.(string)
	}
	return fmt.Sprintf("%v", v)
}

// EventRecord serializes an event, a toon-encoded map of vals,
// framed as a siser line
func EventRecord(name string, t time.Time, vals ...any) ([]byte, error) {
	n := len(vals)
	if n%2 != 0 {
		return nil, fmt.Errorf("log.Event: odd number of vals (%d)", n)
	}
	var d []byte
	if n > 0 {
		m := map[string]any{}
		for i := 0; i < n; i += 2 {
			m[keyToStr(vals[i])] = vals[i+1]
		}
		var err error
		if d, err = toon.Marshal(m); err != nil {
			return nil, err
		}
	}
	return siser.MarshalLine(name, t, d, nil), nil
}

// Event records a named event in events log e.g.
// log.Event("append", "path", path, "holder", holder)
func Event(name string, vals ...any) {
	d, err := EventRecord(name, time.Now().UTC(), vals...)
	if err != nil {
		Errorf("%s", err)
		return
	}
	mu.Lock()
	el := eventsLog
	mu.Unlock()
	_ = el.Write(d)
}

func EventWithDuration(name string, dur time.Duration, vals ...any) {
	vals = append(vals, "durmicro", dur.Microseconds())
	Event(name, vals...)
}

func ErrorEvent(name string, err error, vals ...any) {
	vals = append(vals, "error", err.Error())
	Event(name, vals...)
}
