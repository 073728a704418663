package tenant

import "strings"

const collectionPrefix = "rag_documents"

// CollectionName derives the vector-store collection for one
// tenant+embedding-model pair. Pure: the same inputs always produce the
// same name, so every code path that touches a tenant's knowledge base
// agrees on where it lives.
//
// Both parts are sanitized to [A-Za-z0-9_] so caller-supplied keys can
// never smuggle path separators or query syntax into the store.
func CollectionName(embeddingModel, tenantKey string) string {
	var b strings.Builder
	b.WriteString(collectionPrefix)
	b.WriteByte('_')
	b.WriteString(sanitize(embeddingModel))
	b.WriteByte('_')
	b.WriteString(sanitize(NormalizeKey(tenantKey)))
	return b.String()
}

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
