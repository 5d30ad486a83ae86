package fastcgi

// Params is the ordered name-to-value mapping assembled from a request's
// Params records. Keys are unique: a later occurrence of the same name
// overwrites the earlier value but keeps the original insertion position.
type Params struct {
	order []string
	index map[string]int
	pairs []NameValue
}

func newParams() *Params {
	return &Params{index: make(map[string]int)}
}

// set records one name/value pair, indexed by its name converted
// byte-for-byte to a string (the conversion never fails) while the
// original bytes are kept in pairs.
func (p *Params) set(nv NameValue) {
	name := string(nv.Name)
	if i, ok := p.index[name]; ok {
		p.pairs[i] = nv
		return
	}
	p.index[name] = len(p.pairs)
	p.order = append(p.order, name)
	p.pairs = append(p.pairs, nv)
}

// Get returns the value for name and whether it was present.
func (p *Params) Get(name string) (string, bool) {
	i, ok := p.index[name]
	if !ok {
		return "", false
	}
	return string(p.pairs[i].Value), true
}

// Len returns the number of distinct parameter names.
func (p *Params) Len() int { return len(p.order) }

// Range calls fn for each parameter in insertion order. It stops early if
// fn returns false.
func (p *Params) Range(fn func(name, value string) bool) {
	for _, nv := range p.pairs {
		if !fn(string(nv.Name), string(nv.Value)) {
			return
		}
	}
}
