package licensing

import (
	"slices"

	"github.com/dukerupert/eagleeyes/internal/model"
)

// Admins is the static set of operator addresses allowed to manage licenses.
type Admins struct {
	set map[string]struct{}
}

func NewAdmins(emails ...string) Admins {
	a := Admins{set: make(map[string]struct{}, len(emails))}
	for _, e := range emails {
		if e = model.NormalizeEmail(e); e != "" {
			a.set[e] = struct{}{}
		}
	}
	return a
}

func (a Admins) Contains(email string) bool {
	_, ok := a.set[model.NormalizeEmail(email)]
	return ok
}

func (a Admins) Len() int {
	return len(a.set)
}

// Emails returns the admin addresses in sorted order.
func (a Admins) Emails() []string {
	out := make([]string, 0, len(a.set))
	for e := range a.set {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}
