package router

// Args are the positional captures of a match. A capture group that did
// not participate is absent, which is distinct from present and empty.
type Args struct {
	values  []string
	present []bool
}

func argsFromIndex(text string, loc []int) Args {
	n := len(loc)/2 - 1
	a := Args{values: make([]string, n), present: make([]bool, n)}
	for i := 0; i < n; i++ {
		start, end := loc[2*(i+1)], loc[2*(i+1)+1]
		if start < 0 {
			continue
		}
		a.values[i] = text[start:end]
		a.present[i] = true
	}
	return a
}

func (a Args) Len() int { return len(a.values) }

// Get returns capture i and whether it participated in the match.
func (a Args) Get(i int) (string, bool) {
	if i < 0 || i >= len(a.values) {
		return "", false
	}
	return a.values[i], a.present[i]
}

// String returns capture i, or "" when absent.
func (a Args) String(i int) string {
	v, _ := a.Get(i)
	return v
}

// Match is the binding selected for a text and its captures.
type Match struct {
	Binding Binding
	Args    Args
}
