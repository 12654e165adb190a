package actions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAction is the smallest Action that can live in a registry.
type fakeAction struct {
	name string
	desc string
}

func (f *fakeAction) Name() string                  { return f.name }
func (f *fakeAction) Schema() ActionSchema          { return ActionSchema{Description: f.desc} }
func (f *fakeAction) Validate(map[string]any) error { return nil }
func (f *fakeAction) Execute(context.Context, ActionInput) (*schema.ActionResult, error) {
	return schema.Success("ok", nil), nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeAction{name: "dom.query", desc: "Query the page"}))

	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("dom.query"))

	got, err := reg.Get("dom.query")
	require.NoError(t, err)
	assert.Equal(t, "dom.query", got.Name())
}

func TestRegistryRegisterRejects(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeAction{name: "dom.query"}))

	tests := []struct {
		name     string
		action   Action
		wantCode string
	}{
		{"nil action", nil, schema.ErrCodeValidation},
		{"empty name", &fakeAction{}, schema.ErrCodeValidation},
		{"duplicate name", &fakeAction{name: "dom.query"}, schema.ErrCodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireFlowError(t, reg.Register(tt.action), tt.wantCode)
		})
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Has("missing"))

	_, err := reg.Get("missing")
	requireFlowError(t, err, schema.ErrCodeAction)
	assert.Contains(t, err.Error(), "missing")
}

func TestRegistryListSortsByName(t *testing.T) {
	reg := NewRegistry()
	for _, a := range []Action{
		&fakeAction{name: "notify.send", desc: "deliver a message"},
		&fakeAction{name: "archive.pack", desc: "compress files"},
		&fakeAction{name: "fetch.page", desc: "download a page"},
	} {
		require.NoError(t, reg.Register(a))
	}

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "archive.pack", infos[0].Name)
	assert.Equal(t, "compress files", infos[0].Description)
	assert.Equal(t, "fetch.page", infos[1].Name)
	assert.Equal(t, "notify.send", infos[2].Name)

	assert.Empty(t, NewRegistry().List())
}

func TestRegistryPluginNamespace(t *testing.T) {
	reg := NewRegistry()
	n, err := reg.RegisterPlugin("browser", []Action{
		&fakeAction{name: "click", desc: "Click an element"},
		&fakeAction{name: "navigate", desc: "Open a URL"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, reg.Count())
	assert.True(t, reg.Has("browser.navigate"))

	got, err := reg.Get("browser.click")
	require.NoError(t, err)
	assert.Equal(t, "browser.click", got.Name(), "plugin actions surface under their prefix")
}

func TestRegistryPluginErrors(t *testing.T) {
	t.Run("empty prefix", func(t *testing.T) {
		_, err := NewRegistry().RegisterPlugin("", nil)
		requireFlowError(t, err, schema.ErrCodeValidation)
	})

	t.Run("name collision", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(&fakeAction{name: "browser.click"}))

		_, err := reg.RegisterPlugin("browser", []Action{&fakeAction{name: "click"}})
		requireFlowError(t, err, schema.ErrCodeConflict)
	})
}

func TestRegistryUnregisterPrefix(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterPlugin("browser", []Action{
		&fakeAction{name: "click"},
		&fakeAction{name: "navigate"},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(&fakeAction{name: "http.get"}))

	assert.Equal(t, 2, reg.Unregister("browser"))
	assert.False(t, reg.Has("browser.click"))
	assert.False(t, reg.Has("browser.navigate"))
	assert.True(t, reg.Has("http.get"), "other prefixes stay registered")

	assert.Equal(t, 0, reg.Unregister("browser"), "a second unregister finds nothing")
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 3)
	for i := range n {
		go func() {
			defer wg.Done()
			_ = reg.Register(&fakeAction{name: fmt.Sprintf("concurrent.action_%02d", i)})
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.Get("concurrent.action_00")
		}()
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}
	wg.Wait()

	assert.Equal(t, n, reg.Count())
}
