package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitManifest(t *testing.T) {
	docs, err := SplitManifest("kind: A\n---\n\n---\nkind: B\n")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Contains(t, string(docs[1]), "kind: B")

	_, err = SplitManifest("---\n")
	assert.Error(t, err)
}

func TestDNSName(t *testing.T) {
	assert.Equal(t, "db-tls-cert", DNSName("db-tls.cert"))
	assert.Equal(t, "api-quarkus-http-ssl", DNSName("API--quarkus.http.ssl."))
	assert.Equal(t, "x", DNSName("__x"))
	assert.Len(t, DNSName(string(make([]rune, 80))+"abc"), 3)
}
