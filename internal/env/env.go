package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to version processes:
// OS base (optional), then supervisor-wide variables, then per-launch values.
type Env struct {
	Var  Var
	base Var
	noOS bool
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// WithoutOS returns an Env that does not inherit the supervisor's environment.
func WithoutOS() *Env {
	return &Env{Var: make(Var), base: make(Var), noOS: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = osVars()
}

func osVars() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	return base
}

// WithSet returns a copy of e with k=v applied.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), base: e.base, noOS: e.noOS}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	if k != "" {
		c.Var[k] = v
	}
	return c
}

// SetPairs applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Var[k] = v
		}
	}
}

// Merge returns the final "K=V" list with perLaunch entries applied last and
// ${VAR} references expanded against the composed map. Output is sorted.
func (e *Env) Merge(perLaunch []string) []string {
	base := e.base
	if base == nil && !e.noOS {
		base = osVars()
	}
	m := make(Var, len(base)+len(e.Var)+len(perLaunch))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perLaunch {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// LoadFile parses a .env style file: KEY=VALUE lines, '#' comments, optional
// "export " prefix and surrounding quotes.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []string
	s := bufio.NewScanner(f)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		k, v, ok := split(text)
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, line)
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		out = append(out, k+"="+v)
	}
	return out, s.Err()
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// expand replaces ${VAR} references; a single pass, no recursion.
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
		k := s[i+2 : i+2+j]
		if v, ok := m[k]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
