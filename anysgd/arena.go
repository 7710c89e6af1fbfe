package anysgd

// An Arena collects the resources allocated during one
// step so that they can be dropped together when the
// step ends, whether or not it succeeded.
type Arena struct {
	items []Releaser
}

// Add registers x if it is a Releaser.
func (a *Arena) Add(x interface{}) {
	if r, ok := x.(Releaser); ok {
		a.items = append(a.items, r)
	}
}

// Release releases every registered resource, in reverse
// order of registration.
func (a *Arena) Release() {
	for i := len(a.items) - 1; i >= 0; i-- {
		a.items[i].Release()
	}
	a.items = nil
}
