// Package env composes the environment handed to the supervised server.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

type Var map[string]string

type Env struct {
	Var Var // overrides (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromList replaces the base with kvs ("K=V").
func (e *Env) FromList(kvs []string) {
	e.env = parse(kvs)
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// LoadFiles adds the variables of dotenv files as overrides, later files
// winning.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("env file: %w", err)
		}
		vars, err := gotenv.StrictParse(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range vars {
			e.Set(k, v)
		}
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then e.Var overrides
// then extra ("K=V") overrides
// ${VAR} references are expanded once against the composed map. The result
// is sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	base := make(Var, len(m))
	for k, v := range m {
		base[k] = v
	}
	base = withOriginals(base, e.env)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, base))
	}
	sort.Strings(out)
	return out
}

// withOriginals makes a self reference such as PATH=${PATH}:/x resolve to
// the inherited value.
func withOriginals(m, orig Var) Var {
	for k, v := range m {
		if strings.Contains(v, "${"+k+"}") {
			if o, ok := orig[k]; ok {
				m[k] = o
			} else {
				m[k] = ""
			}
		}
	}
	return m
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${VAR} references found in m; unknown ones stay literal.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
