package txfs

import "strings"

// Name is a validated filesystem component: non-empty, containing no path
// separator, and not beginning with '.' (the leading dot is reserved for
// the hidden .txfs version subtree, I1).
type Name string

// versionsDirName is the single hidden child under which per-file version
// subdirectories live (I1).
const versionsDirName = ".txfs"

// ParseName validates s as a Name, failing Parse on malformed input.
func ParseName(s string) (Name, error) {
	if s == "" {
		return "", newErr(Parse, "name must not be empty", nil)
	}
	if strings.ContainsAny(s, "/\\") {
		return "", newErr(Parse, "name must not contain a path separator: "+s, nil)
	}
	if strings.HasPrefix(s, ".") {
		return "", newErr(Parse, "name must not begin with '.': "+s, nil)
	}
	return Name(s), nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
