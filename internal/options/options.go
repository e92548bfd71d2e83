// Package options implements the flat `key=value` configuration list
// accepted via repeated `-o` flags, plumbed into per-component Config
// structs through the `option:"..."` struct tag. It backs the HostConfig
// override set and the TcpipForwarder bind defaults.
package options

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sshcore/sshcore/internal/errors"
)

// Options is a flat set of normalized (lower-cased) key/value pairs.
type Options map[string]string

// Parse parses a list of `key=value` strings (as repeated on a command
// line) into an Options set. Keys are lower-cased; values are trimmed of
// trailing whitespace. An empty key, or a key repeated with a different
// value, is a Fatal error.
func Parse(in []string) (Options, error) {
	opts := make(Options, len(in))

	for _, s := range in {
		key, value, _ := strings.Cut(s, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimRight(value, " \t")

		if key == "" {
			return nil, errors.Fatal("empty key is not a valid option")
		}

		if old, ok := opts[key]; ok && old != value {
			return nil, errors.Fatalf("key %q present more than once", key)
		}

		opts[key] = value
	}

	return opts, nil
}

// Extract returns the subset of options within namespace ns (keys of the
// form "ns.name"), with the namespace prefix stripped. Keys outside the
// namespace, or malformed (no dot, or ending in a dot with no name), are
// skipped.
func (o Options) Extract(ns string) Options {
	prefix := ns + "."
	out := make(Options)

	for k, v := range o {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name := k[len(prefix):]
		if name == "" {
			continue
		}
		out[name] = v
	}

	return out
}

// Apply sets fields on dst (a pointer to a struct tagged with
// `option:"name"`) from o, optionally scoped by a namespace used only for
// error messages. Unknown keys, or values that fail to parse for their
// field's type, are Fatal/parse errors.
func (o Options) Apply(ns string, dst interface{}) error {
	v := reflect.ValueOf(dst).Elem()
	t := v.Type()

	fields := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("option")
		if tag == "" {
			continue
		}
		fields[tag] = i
	}

	for key, value := range o {
		idx, ok := fields[key]
		if !ok {
			name := key
			if ns != "" {
				name = ns + "." + key
			}
			return errors.Fatalf("option %s is not known", name)
		}

		field := v.Field(idx)
		if err := setField(field, value); err != nil {
			return err
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return errors.Errorf("unsupported option field kind %v", field.Kind())
	}
	return nil
}

// Help describes a single registered option, for `-o namespace.name=value`
// usage listings.
type Help struct {
	Namespace string
	Name      string
	Text      string
}

var registry = map[string]interface{}{}

// Register records a component's Config type under name so that it is
// included in usage listings built by AllOptions.
func Register(name string, cfg interface{}) {
	registry[name] = cfg
}

// AllOptions returns Help entries for every registered component, sorted
// by namespace then name.
func AllOptions() []Help {
	var out []Help
	for ns, cfg := range registry {
		out = appendAllOptions(out, ns, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func listOptions(cfg interface{}) []Help {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	var out []Help
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("option")
		if tag == "" {
			continue
		}
		out = append(out, Help{Name: tag, Text: t.Field(i).Tag.Get("help")})
	}
	return out
}

func appendAllOptions(opts []Help, ns string, cfg interface{}) []Help {
	for _, h := range listOptions(cfg) {
		h.Namespace = ns
		opts = append(opts, h)
	}
	sort.SliceStable(opts, func(i, j int) bool {
		if opts[i].Namespace != opts[j].Namespace {
			return opts[i].Namespace < opts[j].Namespace
		}
		return opts[i].Name < opts[j].Name
	})
	return opts
}
