package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/pds"
	"github.com/chris-pardy/avaast/internal/record"
)

func ref(hash string) record.ResourceRef {
	return record.ResourceRef{AuthorityID: "did:plc:alice", ContentHash: hash}
}

func TestBuildResolvesKnownResourcesInTopoOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Put(ref("computed1"), Entry{Kind: record.KindComputed, Body: json.RawMessage(`{"query":{}}`), Dependencies: []record.Dependency{
		{Kind: record.KindCollection, Collection: "chat.pirate.avast"},
	}})

	endpoints := []record.DeployedEndpoint{{Name: "chat.pirate.getAvasts", Kind: record.KindComputed, Ref: ref("computed1")}}

	b := NewBuilder(reg, nil, logx.Noop{})
	m, err := b.Build(context.Background(), ref("deploy1"), endpoints)
	require.NoError(t, err)
	require.Len(t, m.Resources, 1)
	res := m.Resources[ref("computed1").Key()]
	assert.Equal(t, record.KindComputed, res.Kind)
	assert.JSONEq(t, `{"query":{}}`, string(res.RecordBody))
}

func TestBuildIsIdempotentForUnchangedRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Put(ref("computed1"), Entry{Kind: record.KindComputed, Body: json.RawMessage(`{}`)})
	endpoints := []record.DeployedEndpoint{{Name: "x", Kind: record.KindComputed, Ref: ref("computed1")}}
	b := NewBuilder(reg, nil, logx.Noop{})

	m1, err := b.Build(context.Background(), ref("deploy1"), endpoints)
	require.NoError(t, err)
	m2, err := b.Build(context.Background(), ref("deploy1"), endpoints)
	require.NoError(t, err)

	assert.Equal(t, m1.DeployRef, m2.DeployRef)
	assert.Equal(t, m1.Endpoints, m2.Endpoints)
	assert.Equal(t, len(m1.Resources), len(m2.Resources))
	for k, r1 := range m1.Resources {
		r2, ok := m2.Resources[k]
		require.True(t, ok)
		assert.Equal(t, r1.Kind, r2.Kind)
		assert.Equal(t, r1.RecordBody, r2.RecordBody)
	}
}

func TestBuildAggregatesValidationErrorsForUnresolvedEndpoint(t *testing.T) {
	reg := NewRegistry()
	endpoints := []record.DeployedEndpoint{{Name: "chat.pirate.getAvasts", Kind: record.KindComputed, Ref: ref("missing")}}

	b := NewBuilder(reg, nil, logx.Noop{})
	_, err := b.Build(context.Background(), ref("deploy1"), endpoints)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DeployValidationError")
}

func TestBuildFetchesCodeBlobForFunctionKind(t *testing.T) {
	blobServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("function-bytecode"))
	}))
	defer blobServer.Close()
	dir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"service":[{"id":"#atproto_pds","serviceEndpoint":"%s"}]}`, blobServer.URL)
	}))
	defer dir.Close()

	client := pds.New(pds.Config{DirectoryBaseURL: dir.URL}, logx.Noop{})
	reg := NewRegistry()
	reg.Put(ref("fn1"), Entry{Kind: record.KindFunction, Body: json.RawMessage(`{"runtime":"js"}`), CodeRef: "bafy-code"})
	endpoints := []record.DeployedEndpoint{{Name: "chat.pirate.doThing", Kind: record.KindFunction, Ref: ref("fn1")}}

	b := NewBuilder(reg, client, logx.Noop{})
	m, err := b.Build(context.Background(), ref("deploy1"), endpoints)
	require.NoError(t, err)
	res := m.Resources[ref("fn1").Key()]
	assert.Equal(t, "function-bytecode", string(res.CodeBlob))
}

func TestBuildDelegatesUnknownReferenceToPDS(t *testing.T) {
	envelope := `{"kind":"computed","body":{"query":{}},"dependencies":[]}`
	blobServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelope)
	}))
	defer blobServer.Close()
	dir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"service":[{"id":"#atproto_pds","serviceEndpoint":"%s"}]}`, blobServer.URL)
	}))
	defer dir.Close()

	client := pds.New(pds.Config{DirectoryBaseURL: dir.URL}, logx.Noop{})
	reg := NewRegistry()
	endpoints := []record.DeployedEndpoint{{Name: "x", Kind: record.KindComputed, Ref: ref("remote1")}}

	b := NewBuilder(reg, client, logx.Noop{})
	m, err := b.Build(context.Background(), ref("deploy1"), endpoints)
	require.NoError(t, err)
	res := m.Resources[ref("remote1").Key()]
	assert.Equal(t, record.KindComputed, res.Kind)

	_, cached := reg.Lookup(ref("remote1"))
	assert.True(t, cached, "resolved-via-PDS entries should be cached back into the registry")
}
