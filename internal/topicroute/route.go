package topicroute

import "strings"

// RootUnnamed is the reserved shard key for topics with no usable first
// segment (empty topic, "/", or a degenerate leading delimiter).
const RootUnnamed = "_root"

// Root returns the shard key for a topic: its first non-empty path segment.
// Topics are case-sensitive; only surrounding whitespace and a single
// leading slash are stripped before splitting.
func Root(topic string) string {
	t := strings.TrimSpace(topic)
	t = strings.TrimPrefix(t, "/")
	if t == "" {
		return RootUnnamed
	}
	root, _, _ := strings.Cut(t, "/")
	if root == "" {
		return RootUnnamed
	}
	return root
}

// ShardFileName maps a topic root to its database file name. Roots come
// straight off the wire, so anything that could escape the data directory
// or confuse the filesystem is replaced before use.
func ShardFileName(root string) string {
	return sanitize(root) + ".db"
}

func sanitize(root string) string {
	var b strings.Builder
	b.Grow(len(root))
	for _, r := range root {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	// Leading dots would produce "..", ".", or hidden files.
	s := strings.TrimLeft(b.String(), ".")
	if s == "" {
		return RootUnnamed
	}
	return s
}
