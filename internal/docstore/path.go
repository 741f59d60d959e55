package docstore

import (
	"fmt"
	"strings"
)

// UserPath is the per-user root document.
func UserPath(uid string) string {
	return "users/" + uid
}

// ExpensesPath is the per-user expense collection.
func ExpensesPath(uid string) string {
	return UserPath(uid) + "/expenses"
}

// StatsPath is the per-user monthly aggregate collection.
func StatsPath(uid string) string {
	return UserPath(uid) + "/stats"
}

// Doc joins a collection path and a document id.
func Doc(collection, id string) string {
	return collection + "/" + id
}

// SplitDoc splits a document path into its collection path and id.
// Document paths have an even number of segments.
func SplitDoc(path string) (collection, id string, err error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	for _, s := range segs {
		if s == "" {
			return "", "", fmt.Errorf("%w: %q", ErrBadPath, path)
		}
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// ValidCollection reports whether path names a collection (odd segments).
func ValidCollection(path string) error {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection", ErrBadPath, path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: %q", ErrBadPath, path)
		}
	}
	return nil
}
