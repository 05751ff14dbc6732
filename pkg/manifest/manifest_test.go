package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/gateway"
)

// fakeCaller serves canned tools/list replies per backend.
type fakeCaller struct {
	replies map[string]string
}

func (f *fakeCaller) Call(_ context.Context, name, method string, _ any) ([]byte, error) {
	if method != "tools/list" {
		return nil, errors.New("unexpected method " + method)
	}
	reply, ok := f.replies[name]
	if !ok {
		return nil, gateway.ErrBackendUnavailable
	}
	return []byte(reply), nil
}

func catalog(t *testing.T) *Manifest {
	t.Helper()
	caller := &fakeCaller{replies: map[string]string{
		"files": `{"tools":[
			{"name":"fs__read_file","description":"Read a file from disk","inputSchema":{"type":"object","properties":{"path":{"type":"string"}}}},
			{"name":"fs__write_file","description":"Write a file to disk","inputSchema":{"type":"object"}},
			{"name":"watch","description":"Watch a directory for changes","inputSchema":{"type":"object"}}
		]}`,
		"web": `{"tools":[
			{"name":"http__fetch","description":"Fetch a URL over HTTP","inputSchema":{"type":"object"}},
			{"name":"http__post","description":"POST a body to a URL","inputSchema":{"type":"object"}}
		]}`,
	}}
	m := New(caller)
	require.NoError(t, m.RefreshAll(context.Background(), []string{"files", "web"}))
	return m
}

func TestRefreshPublishesSortedTools(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	tools := m.Tools([]string{"files"})
	require.Len(t, tools, 3)
	assert.Equal(t, "files__fs__read_file", tools[0].Name)
	assert.Equal(t, "files__fs__write_file", tools[1].Name)
	assert.Equal(t, "files__watch", tools[2].Name)
}

func TestRefreshFailureKeepsPreviousEntry(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{replies: map[string]string{
		"files": `{"tools":[{"name":"watch","inputSchema":{"type":"object"}}]}`,
	}}
	m := New(caller)
	require.NoError(t, m.Refresh(context.Background(), "files"))

	// Backend goes away; a refresh fails but the catalog entry survives.
	delete(caller.replies, "files")
	require.Error(t, m.Refresh(context.Background(), "files"))
	assert.Len(t, m.Tools([]string{"files"}), 1)
}

func TestRefreshMalformedResult(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{replies: map[string]string{"bad": `"not an object"`}}
	m := New(caller)

	err := m.Refresh(context.Background(), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrProtocol)
}

func TestLookup(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	backend, tool, err := m.Lookup("files__fs__read_file")
	require.NoError(t, err)
	assert.Equal(t, "files", backend)
	assert.Equal(t, "fs__read_file", tool.Name)

	_, _, err = m.Lookup("files__nope")
	assert.ErrorIs(t, err, gateway.ErrRouting)

	_, _, err = m.Lookup("ghost__tool")
	assert.ErrorIs(t, err, gateway.ErrRouting)

	_, _, err = m.Lookup("unqualified")
	assert.ErrorIs(t, err, gateway.ErrRouting)
}

func TestRemove(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	m.Remove("web")
	assert.Equal(t, []string{"files"}, m.Backends())
	assert.Empty(t, m.Tools([]string{"web"}))
}

func TestRefreshedAt(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	_, ok := m.RefreshedAt("absent")
	assert.False(t, ok)

	when, ok := m.RefreshedAt("files")
	assert.True(t, ok)
	assert.False(t, when.IsZero())

	m.Remove("files")
	_, ok = m.RefreshedAt("files")
	assert.False(t, ok)
}

func TestToolsRespectsVisibility(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	tools := m.Tools([]string{"web"})
	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.Contains(t, tool.Name, "web__")
	}
}

func TestSearchDepthServers(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	entries := m.Search(SearchOptions{Query: "files", Depth: DepthServers, Backends: []string{"files", "web"}})
	require.Len(t, entries, 1)
	assert.Equal(t, "files", entries[0].Server)
	assert.Equal(t, 3, entries[0].ToolCount)
	assert.Nil(t, entries[0].Categories)
	assert.Nil(t, entries[0].Tools)
}

func TestSearchShowAllOnShortQuery(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	for _, query := range []string{"", " ", "a"} {
		entries := m.Search(SearchOptions{Query: query, Depth: DepthCategories, Backends: []string{"files", "web"}})
		require.Len(t, entries, 2, "query %q", query)
	}
}

func TestSearchDepthCategories(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	entries := m.Search(SearchOptions{Query: "", Depth: DepthCategories, Backends: []string{"files", "web"}})
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"fs"}, entries[0].Categories)
	assert.Equal(t, []string{"http"}, entries[1].Categories)
	assert.Nil(t, entries[0].Tools)
}

func TestSearchDepthToolsMatchesToolNames(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	entries := m.Search(SearchOptions{Query: "fetch", Depth: DepthTools, Backends: []string{"files", "web"}})
	require.Len(t, entries, 1)
	assert.Equal(t, "web", entries[0].Server)
	require.Len(t, entries[0].Tools, 1)
	assert.Equal(t, "web__http__fetch", entries[0].Tools[0].Name)
	assert.Empty(t, entries[0].Tools[0].Description)
	assert.Nil(t, entries[0].Tools[0].InputSchema)
}

func TestSearchDepthSchemasIncludesEverything(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	entries := m.Search(SearchOptions{Query: "read file", Depth: DepthSchemas, Backends: []string{"files", "web"}})
	require.NotEmpty(t, entries)
	require.Equal(t, "files", entries[0].Server)

	var read *ToolEntry
	for i := range entries[0].Tools {
		if entries[0].Tools[i].Name == "files__fs__read_file" {
			read = &entries[0].Tools[i]
		}
	}
	require.NotNil(t, read)
	assert.Equal(t, "Read a file from disk", read.Description)
	assert.NotNil(t, read.InputSchema)
}

func TestSearchRespectsVisibility(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	entries := m.Search(SearchOptions{Query: "", Depth: DepthSchemas, Backends: []string{"web"}})
	require.Len(t, entries, 1)
	assert.Equal(t, "web", entries[0].Server)
}

func TestSearchResultSerializes(t *testing.T) {
	t.Parallel()
	m := catalog(t)

	entries := m.Search(SearchOptions{Query: "", Depth: DepthSchemas, Backends: []string{"web"}})
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool_count":2`)
}
